package oracle

import (
	"context"
	"encoding/json"
	"errors"
)

// Decode completes req and unmarshals the validated tool arguments into T.
func Decode[T any](ctx context.Context, c Completer, req Request) (T, error) {
	var out T
	if req.Tool == nil {
		return out, newError(KindInvalidRequest, req.Metadata, 0, errors.New("decode needs a tool"))
	}
	res, err := c.Complete(ctx, req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(res.Arguments, &out); err != nil {
		return out, newError(KindParsing, req.Metadata, res.Attempts, err)
	}
	return out, nil
}
