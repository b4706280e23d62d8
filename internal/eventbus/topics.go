package eventbus

// Topics consumed and produced by the reaction engine.
const (
	TopicBeatCreated          = "beat.created"
	TopicEntityCreated        = "entity.created"
	TopicEntityStatusChanged  = "entity.status_changed"
	TopicEntityDied           = "entity.died"
	TopicEntityBatchGenerated = "entity.batch_generated"
)

// ProducedTopics are the follow-up topics emitted by reaction orchestrators.
var ProducedTopics = []string{
	TopicEntityCreated,
	TopicEntityStatusChanged,
	TopicEntityDied,
	TopicEntityBatchGenerated,
}

// DefaultMaxHop is the dispatch ceiling within one causal chain.
const DefaultMaxHop = 5
