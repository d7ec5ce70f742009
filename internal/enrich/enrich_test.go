package enrich

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEnricher struct {
	snippets  []domain.Snippet
	sentiment *domain.Sentiment
	simErr    error
	sentErr   error
	blockSim  bool
	blockSent bool
	simCalls  int
	sentCalls int
	mu        sync.Mutex
}

func (f *fakeEnricher) SimilaritySearch(ctx context.Context, _ string, _ int) ([]domain.Snippet, error) {
	f.mu.Lock()
	f.simCalls++
	f.mu.Unlock()
	if f.blockSim {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.snippets, f.simErr
}

func (f *fakeEnricher) ClassifySentiment(ctx context.Context, _ string) (*domain.Sentiment, error) {
	f.mu.Lock()
	f.sentCalls++
	f.mu.Unlock()
	if f.blockSent {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.sentiment, f.sentErr
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]string
}

func (r *recordingObserver) ObserveEnrichment(kind, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]string{}
	}
	r.outcomes[kind] = outcome
}

func (r *recordingObserver) get(kind string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[kind]
}

func newBreaker(t *testing.T) *resilience.Breaker {
	t.Helper()
	b := resilience.NewBreaker(resilience.DepEnrichment, resilience.Config{FailureThreshold: 2, Window: time.Minute, Cooldown: time.Hour})
	t.Cleanup(b.Stop)
	return b
}

func TestGatherCollectsBoth(t *testing.T) {
	f := &fakeEnricher{
		snippets:  []domain.Snippet{{Text: "we grow corn", Score: 0.8}},
		sentiment: &domain.Sentiment{Label: SentimentNeutral, Score: 0.5},
	}
	obs := &recordingObserver{}
	g := NewGatherer(f, newBreaker(t), GathererConfig{Deadline: time.Second, Observer: obs})

	e := g.Gather(context.Background(), "corn")
	require.False(t, e.Empty())
	assert.Len(t, e.Similar, 1)
	assert.Equal(t, SentimentNeutral, e.Sentiment.Label)
	assert.Equal(t, OutcomeOK, obs.get(KindSimilarity))
	assert.Equal(t, OutcomeOK, obs.get(KindSentiment))
}

func TestGatherDropsSlowLookup(t *testing.T) {
	f := &fakeEnricher{
		blockSim:  true,
		sentiment: &domain.Sentiment{Label: SentimentFrustrated, Score: 1},
	}
	obs := &recordingObserver{}
	g := NewGatherer(f, newBreaker(t), GathererConfig{Deadline: 50 * time.Millisecond, Observer: obs})

	start := time.Now()
	e := g.Gather(context.Background(), "why again")
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, e.Similar)
	require.NotNil(t, e.Sentiment)
	assert.Equal(t, SentimentFrustrated, e.Sentiment.Label)
	require.Eventually(t, func() bool { return obs.get(KindSimilarity) == OutcomeTimeout }, time.Second, 5*time.Millisecond)
}

func TestGatherDropsFailedLookup(t *testing.T) {
	f := &fakeEnricher{simErr: errors.New("index offline"), sentiment: &domain.Sentiment{Label: SentimentNeutral}}
	g := NewGatherer(f, newBreaker(t), GathererConfig{Deadline: time.Second})

	e := g.Gather(context.Background(), "hello")
	assert.Empty(t, e.Similar)
	assert.NotNil(t, e.Sentiment)
}

func TestGatherSkipsCallsWhenBreakerOpen(t *testing.T) {
	f := &fakeEnricher{simErr: errors.New("down"), sentErr: errors.New("down")}
	b := newBreaker(t)
	g := NewGatherer(f, b, GathererConfig{Deadline: time.Second})

	g.Gather(context.Background(), "a")
	require.Equal(t, resilience.StateOpen, b.State())

	f.mu.Lock()
	before := f.sentCalls
	f.mu.Unlock()

	e := g.Gather(context.Background(), "c")
	assert.True(t, e.Empty())
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, before, f.sentCalls)
}

func TestLocalSimilarityRanksByOverlap(t *testing.T) {
	l := NewLocal(10, "I grow corn and wheat", "my farm is near Celje", "corn only")
	got, err := l.SimilaritySearch(context.Background(), "Corn", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "corn only", got[0].Text)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestLocalCorpusIsBounded(t *testing.T) {
	l := NewLocal(2, "alpha", "beta")
	l.Remember("gamma")
	got, err := l.SimilaritySearch(context.Background(), "alpha", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLocalSentiment(t *testing.T) {
	l := NewLocal(0)
	ctx := context.Background()

	s, err := l.ClassifySentiment(ctx, "I already told you, this is ridiculous")
	require.NoError(t, err)
	assert.Equal(t, SentimentFrustrated, s.Label)

	s, err = l.ClassifySentiment(ctx, "Hvala, odlično!")
	require.NoError(t, err)
	assert.Equal(t, SentimentPositive, s.Label)

	s, err = l.ClassifySentiment(ctx, "Ljubljana")
	require.NoError(t, err)
	assert.Equal(t, SentimentNeutral, s.Label)
}

func TestGrpcRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterServer(srv, NewLocal(10, "we grow potatoes", "dairy cows"))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcClientConfig("passthrough:///bufnet")
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	client, err := NewGrpcClient(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	assert.True(t, client.Ready())

	ctx := context.Background()
	snippets, err := client.SimilaritySearch(ctx, "potatoes", 3)
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.Equal(t, "we grow potatoes", snippets[0].Text)

	sentiment, err := client.ClassifySentiment(ctx, "thanks, great")
	require.NoError(t, err)
	require.NotNil(t, sentiment)
	assert.Equal(t, SentimentPositive, sentiment.Label)

	_, err = client.ClassifySentiment(ctx, "")
	assert.Error(t, err)
}
