package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/cryptox"
	"github.com/dmitrijs2005/securemsg/internal/dbx"
	"github.com/dmitrijs2005/securemsg/internal/logging"
	"github.com/dmitrijs2005/securemsg/internal/server/broker"
	"github.com/dmitrijs2005/securemsg/internal/server/cache"
	"github.com/dmitrijs2005/securemsg/internal/server/config"
	"github.com/dmitrijs2005/securemsg/internal/server/events"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
	"github.com/dmitrijs2005/securemsg/internal/server/realtime"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/securemsg/internal/server/workers"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memSink struct {
	mu      sync.Mutex
	records []models.AuditRecord
}

func (s *memSink) Record(_ context.Context, rec models.AuditRecord) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *memSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.records {
		out = append(out, r.Event)
	}
	return out
}

type testEnv struct {
	cfg    *config.Config
	clock  *fakeClock
	broker *broker.MemoryBroker
	push   *realtime.Recorder
	sink   *memSink
	repos  *repomanager.MemoryRepositoryManager

	publisher *events.Publisher

	registry    *KeyRegistry
	distributor *SessionKeyDistributor
	store       *MessageStore
	rotation    *KeyRotationScheduler
}

func testConfig() *config.Config {
	return &config.Config{
		DefaultTenantID:            "default",
		TopicPrefix:                "securemsg.",
		PublicKeyCacheTTL:          5 * time.Minute,
		MessageRetention:           30 * 24 * time.Hour,
		UserKeyRotationInterval:    90 * 24 * time.Hour,
		SessionKeyRotationInterval: 24 * time.Hour,
		SessionKeyTTL:              7 * 24 * time.Hour,
		SignaturePolicy:            config.SignaturePolicyFlag,
		MaxClockSkew:               5 * time.Minute,
		MaxCiphertextSize:          1 << 20,
		CleanupBatchSize:           2,
	}
}

// inlinePools never start their workers, so with an unbuffered queue every
// task runs on the caller and tests observe post-commit effects at once.
func inlinePools(l logging.Logger) *workers.Pools {
	return &workers.Pools{
		E2EE:      workers.NewPool("e2ee", 1, 0, workers.CallerRuns, l),
		Signature: workers.NewPool("signature", 1, 0, workers.CallerRuns, l),
		Cleanup:   workers.NewPool("cleanup", 1, 0, workers.CallerRuns, l),
	}
}

func newTestEnv(t *testing.T, opts ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, o := range opts {
		o(cfg)
	}

	l := logging.NewDiscardLogger()
	env := &testEnv{
		cfg:    cfg,
		clock:  &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		broker: broker.NewMemoryBroker(),
		push:   realtime.NewRecorder(),
		sink:   &memSink{},
		repos:  repomanager.NewMemoryRepositoryManager(),
	}

	env.publisher = events.NewPublisher(env.broker, env.push, env.sink, cfg.TopicPrefix, l)

	d := Deps{
		Tx:        dbx.NopTransactor{},
		Repos:     env.repos,
		Publisher: env.publisher,
		Pools:     inlinePools(l),
		Config:    cfg,
		Log:       l,
		Now:       env.clock.Now,
	}
	keys := cache.New[*models.PublicKey](cfg.PublicKeyCacheTTL, 0)

	env.registry = NewKeyRegistry(d, keys)
	env.distributor = NewSessionKeyDistributor(d, env.registry)
	env.store = NewMessageStore(d, env.registry)
	env.rotation = NewKeyRotationScheduler(d, env.registry, env.distributor)
	return env
}

func (e *testEnv) topic(name string) []broker.Record {
	return e.broker.Topic(e.publisher.Topic(name))
}

// upload registers a fresh key pair of alg for userID and returns it.
func (e *testEnv) upload(t *testing.T, userID, keyID, alg string) *cryptox.KeyPair {
	t.Helper()
	kp, err := cryptox.GenerateKeyPair(alg)
	require.NoError(t, err)
	_, err = e.registry.UploadPublicKey(context.Background(), UploadPublicKeyRequest{
		UserID:             userID,
		KeyID:              keyID,
		EncodedKey:         cryptox.EncodeBase64(kp.PublicKey),
		Algorithm:          alg,
		ClaimedFingerprint: cryptox.Fingerprint(kp.PublicKey),
	})
	require.NoError(t, err)
	return kp
}
