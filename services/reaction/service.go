package reaction

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"multiverse-ripple/internal/config"
	"multiverse-ripple/internal/eventbus"
	"multiverse-ripple/internal/logging"
	"multiverse-ripple/internal/minio"
	"multiverse-ripple/internal/oracle"
	"multiverse-ripple/internal/repository"
)

const profileRefreshInterval = 2 * time.Minute

// Service is the composition root: it builds the bus, repository, oracle
// gateway and the three orchestrators, and owns their lifecycle.
type Service struct {
	cfg  config.Config
	log  *zap.Logger
	bus  *eventbus.EventBus
	repo repository.Repository

	gateway       *oracle.Gateway
	tally         *oracle.Tally
	profiles      *config.Store
	orchestrators []*Orchestrator

	kafka *eventbus.KafkaBridge
	feed  *EventFeed
	http  *HTTPServer

	unsubscribe []func()
	closers     []func(context.Context) error
	cancel      context.CancelFunc
}

type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	repo     repository.Repository
	provider oracle.Provider
	objects  minio.ClientInterface
	observer StageObserver
}

// WithRepository replaces the repository selected by ENTITY_STORE.
func WithRepository(r repository.Repository) ServiceOption {
	return func(o *serviceOptions) { o.repo = r }
}

// WithProvider replaces the provider selected by ORACLE_PROVIDER.
func WithProvider(p oracle.Provider) ServiceOption {
	return func(o *serviceOptions) { o.provider = p }
}

// WithObjectStore replaces the MinIO client.
func WithObjectStore(c minio.ClientInterface) ServiceOption {
	return func(o *serviceOptions) { o.objects = c }
}

func WithStageObserver(obs StageObserver) ServiceOption {
	return func(o *serviceOptions) { o.observer = obs }
}

func NewService(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...ServiceOption) (*Service, error) {
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	log = logging.OrNop(log)
	s := &Service{cfg: cfg, log: log}

	profiles, err := config.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		return nil, err
	}

	objects := o.objects
	if objects == nil && (cfg.EntityStore == "minio" || cfg.MinioUsageBucket != "") {
		client, err := minio.NewClient(minio.Config{
			Endpoint:        cfg.MinioEndpoint,
			AccessKeyID:     cfg.MinioAccessKey,
			SecretAccessKey: cfg.MinioSecretKey,
			UseSSL:          cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		objects = client
	}
	s.profiles = config.NewStore(objects, cfg.MinioBucket, profiles, log)

	s.repo = o.repo
	if s.repo == nil {
		if s.repo, err = s.openRepository(ctx, objects); err != nil {
			return nil, err
		}
	}

	provider := o.provider
	if provider == nil {
		if provider, err = openProvider(cfg); err != nil {
			return nil, err
		}
	}
	s.tally = oracle.NewTally()
	recorders := oracle.MultiRecorder{s.tally, oracle.NewLogRecorder(log)}
	if cfg.MinioUsageBucket != "" && objects != nil {
		recorders = append(recorders, oracle.NewMinioRecorder(objects, cfg.MinioUsageBucket))
	}
	s.gateway = oracle.NewGateway(provider,
		oracle.WithRetryPolicy(cfg.OracleRetryPolicy()),
		oracle.WithUsageRecorder(recorders),
		oracle.WithPricing(profiles.Pricing),
		oracle.WithLogger(log),
	)

	s.bus = eventbus.NewEventBus(eventbus.WithMaxHop(cfg.BusMaxHop), eventbus.WithLogger(log))
	deps := Deps{
		Bus:      s.bus,
		Repo:     s.repo,
		Oracle:   s.gateway,
		Profiles: s.profiles,
		Logger:   log,
		Observer: o.observer,
	}
	s.orchestrators = []*Orchestrator{
		NewCharacterOrchestrator(deps),
		NewLocationOrchestrator(deps),
		NewFactionOrchestrator(deps),
	}

	if cfg.KafkaEnabled {
		s.kafka = eventbus.NewKafkaBridge(eventbus.KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			TopicPrefix:   cfg.KafkaTopicPrefix,
			GroupID:       cfg.KafkaGroupID,
			PollFrequency: cfg.KafkaPollFrequency(),
		}, s.bus, log)
	}
	s.feed = NewEventFeed(log)
	s.http = NewHTTPServer(cfg.HTTPAddr, log)
	s.http.RegisterRoutes(s, s.feed)
	return s, nil
}

func (s *Service) openRepository(ctx context.Context, objects minio.ClientInterface) (repository.Repository, error) {
	switch s.cfg.EntityStore {
	case "minio":
		return repository.NewMinioRepository(objects, s.cfg.MinioBucket), nil
	case "neo4j":
		repo, err := repository.NewNeo4jRepository(ctx, repository.Neo4jConfig{
			URI:      s.cfg.Neo4jURI,
			User:     s.cfg.Neo4jUser,
			Password: s.cfg.Neo4jPassword,
			Database: s.cfg.Neo4jDatabase,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, repo.Close)
		return repo, nil
	default:
		return repository.NewMemory(), nil
	}
}

func openProvider(cfg config.Config) (oracle.Provider, error) {
	oc := oracle.Config{
		BaseURL:   cfg.OracleURL,
		Model:     cfg.OracleModel,
		APIKey:    cfg.OracleAPIKey,
		Timeout:   cfg.OracleTimeout(),
		MaxTokens: cfg.OracleMaxTokens,
	}
	if cfg.OracleProvider == "openai" {
		return oracle.NewOpenAIProvider(oc)
	}
	return oracle.NewClient(oc), nil
}

// Start subscribes the orchestrators and starts the bridges and HTTP
// server. It returns immediately.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, o := range s.orchestrators {
		s.unsubscribe = append(s.unsubscribe, o.Subscribe())
		s.log.Info("orchestrator subscribed", logging.Subsystem(string(o.Kind())), zap.Strings("topics", o.Topics()))
	}
	s.unsubscribe = append(s.unsubscribe, s.feed.Attach(s.bus, eventbus.ProducedTopics...))
	if s.kafka != nil {
		s.unsubscribe = append(s.unsubscribe, s.kafka.Attach(eventbus.ProducedTopics...))
		go s.kafka.Consume(ctx, eventbus.TopicBeatCreated)
	}
	go s.profiles.Refresh(ctx, profileRefreshInterval)
	s.http.Start()
	s.log.Info("reaction engine started", zap.Int("max_hop", s.bus.MaxHop()))
}

// Stop unsubscribes, waits for in-flight reactions and usage records, and
// closes every bridge and store.
func (s *Service) Stop(ctx context.Context) error {
	for _, u := range s.unsubscribe {
		u()
	}
	s.unsubscribe = nil
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	err = multierr.Append(err, s.bus.Drain(ctx))
	err = multierr.Append(err, s.gateway.Flush(ctx))
	if s.kafka != nil {
		err = multierr.Append(err, s.kafka.Close())
	}
	if herr := s.http.Stop(ctx); herr != nil {
		err = multierr.Append(err, fmt.Errorf("http shutdown: %w", herr))
	}
	for _, c := range s.closers {
		err = multierr.Append(err, c(ctx))
	}
	s.log.Info("reaction engine stopped")
	return err
}

func (s *Service) Bus() *eventbus.EventBus { return s.bus }

func (s *Service) Repository() repository.Repository { return s.repo }

func (s *Service) Orchestrators() []*Orchestrator { return s.orchestrators }

func (s *Service) Gateway() *oracle.Gateway { return s.gateway }

// Handler exposes the HTTP routes without starting a listener.
func (s *Service) Handler() http.Handler { return s.http.Handler() }
