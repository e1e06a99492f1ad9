package orchestrator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/animalrunner/listener/internal/audio"
	"github.com/animalrunner/listener/internal/classifier"
	"github.com/animalrunner/listener/internal/config"
	apperrors "github.com/animalrunner/listener/internal/errors"
	"github.com/animalrunner/listener/internal/metrics"
	"github.com/animalrunner/listener/internal/orchestrator/journal"
	"github.com/animalrunner/listener/internal/orchestrator/preprocess"
	"github.com/animalrunner/listener/internal/orchestrator/verdict"
	"github.com/animalrunner/listener/internal/resilience"
	"github.com/animalrunner/listener/internal/transport"
)

const testWindow = 16

// toneEngine reports background for silence and Cow for anything audible.
type toneEngine struct{}

func (toneEngine) Predict(_ context.Context, t preprocess.Tensor) ([]float32, error) {
	p := make([]float32, len(classifier.DefaultLabels))
	for _, x := range t.Data {
		if x != 0 {
			p[3] = 0.95 // Cow
			return p, nil
		}
	}
	p[0] = 0.9
	return p, nil
}

type fakeSource struct {
	started bool
	stopped bool
	err     error
}

func (s *fakeSource) Start(context.Context, audio.Handler) error {
	s.started = true
	return s.err
}

func (s *fakeSource) Stop() { s.stopped = true }

type failingSink struct{}

func (failingSink) Send(context.Context, verdict.Verdict) error {
	return errors.New("host unreachable")
}

func testConfig(port int) *config.Config {
	return &config.Config{
		SinkHost:              "127.0.0.1",
		SinkPort:              port,
		SampleRate:            testWindow,
		CaptureSampleRate:     testWindow,
		WindowSamples:         testWindow,
		BlockDuration:         time.Second,
		ConfidenceThreshold:   0.8,
		BackgroundLabel:       classifier.DefaultBackgroundLabel,
		ObservationWindow:     5 * time.Second,
		MajorityThreshold:     0.6,
		MajorityCheckInterval: time.Hour,
		MajorityCooldown:      2 * time.Second,
	}
}

// datagrams starts a loopback receiver and returns its port and messages.
func datagrams(t *testing.T) (int, <-chan transport.Message) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan transport.Message, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = transport.Serve(ctx, conn, func(m transport.Message, _ *net.UDPAddr) { ch <- m })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return conn.LocalAddr().(*net.UDPAddr).Port, ch
}

func newTestManager(t *testing.T, cfg *config.Config, opts ...Option) (*Manager, *metrics.Metrics) {
	t.Helper()
	sink, err := transport.Dial(cfg.SinkHost, cfg.SinkPort)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	labels := classifier.DefaultLabels
	clf := classifier.NewAdapter(toneEngine{}, labels, classifier.Options{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		BackgroundLabel:     cfg.BackgroundLabel,
		WindowLen:           cfg.WindowSamples,
	})
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	opts = append([]Option{WithMetrics(m)}, opts...)
	return New(cfg, clf, sink, labels, opts...), m
}

func block(value float32) []float32 {
	b := make([]float32, testWindow)
	for i := range b {
		b[i] = value * float32(i%4-2)
	}
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectNone(t *testing.T, ch <-chan transport.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Errorf("unexpected datagram %q", msg.Raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPipelineSilenceEmitsNothing(t *testing.T) {
	port, ch := datagrams(t)
	mgr, m := newTestManager(t, testConfig(port))
	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer mgr.Stop()

	for range 5 {
		mgr.HandleBlock(block(0))
	}
	waitFor(t, "background classifications", func() bool {
		return testutil.ToFloat64(m.Classifications.WithLabelValues(classifier.DefaultBackgroundLabel)) == 5
	})

	if _, ok, err := mgr.Check(ctx, time.Now()); ok || err != nil {
		t.Fatalf("Check = %v, %v; want no verdict", ok, err)
	}
	if n := len(mgr.Status().Observations); n != 0 {
		t.Errorf("background entered the window: %d observations", n)
	}
	if testutil.ToFloat64(m.MajorityChecks.WithLabelValues(metrics.OutcomeEmpty)) != 1 {
		t.Error("empty check not counted")
	}
	expectNone(t, ch)
}

func TestPipelineEmitsMajorityOnce(t *testing.T) {
	port, ch := datagrams(t)
	mgr, m := newTestManager(t, testConfig(port))
	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer mgr.Stop()

	for range 5 {
		mgr.HandleBlock(block(0.5))
	}
	waitFor(t, "five observations", func() bool { return len(mgr.Status().Observations) == 5 })

	v, ok, err := mgr.Check(ctx, time.Now())
	if err != nil || !ok {
		t.Fatalf("Check = %v, %v; want verdict", ok, err)
	}
	if v.Label != "Cow" || v.Share != 1 {
		t.Errorf("verdict = %+v", v)
	}

	select {
	case msg := <-ch:
		if msg.Raw != "Cow,1.000" {
			t.Errorf("datagram = %q, want Cow,1.000", msg.Raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram")
	}

	// The window was cleared by the emission.
	if _, ok, _ := mgr.Check(ctx, time.Now()); ok {
		t.Error("second check emitted again")
	}
	expectNone(t, ch)

	st := mgr.Status()
	if st.Emitted != 1 || st.LastVerdict != "Cow" || !st.Running {
		t.Errorf("status = %+v", st)
	}
	if testutil.ToFloat64(m.VerdictsEmitted.WithLabelValues("Cow")) != 1 {
		t.Error("emission not counted")
	}
}

func TestPipelineCheckLoop(t *testing.T) {
	port, ch := datagrams(t)
	cfg := testConfig(port)
	cfg.MajorityCheckInterval = 20 * time.Millisecond
	mgr, _ := newTestManager(t, cfg)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer mgr.Stop()

	var got []transport.Message
	for range 3 {
		mgr.HandleBlock(block(1))
	}
	select {
	case msg := <-ch:
		got = append(got, msg)
	case <-time.After(3 * time.Second):
		t.Fatal("checker never emitted")
	}
	if got[0].Label != "Cow" {
		t.Errorf("datagram = %+v", got[0])
	}

	// Same label again is suppressed even after more observations.
	for range 3 {
		mgr.HandleBlock(block(1))
	}
	expectNone(t, ch)
}

func TestHandleBlockWaitsForFullWindow(t *testing.T) {
	mgr, m := newTestManager(t, testConfig(9))
	mgr.HandleBlock(make([]float32, testWindow/2))
	if mgr.queue.Len() != 0 {
		t.Fatal("snapshot enqueued before the buffer filled")
	}
	mgr.HandleBlock(make([]float32, testWindow/2))
	if mgr.queue.Len() != 1 {
		t.Fatalf("queue = %d, want 1", mgr.queue.Len())
	}
	if testutil.ToFloat64(m.BlocksCaptured) != 2 || testutil.ToFloat64(m.SnapshotsEnqueued) != 1 {
		t.Error("capture metrics not updated")
	}
	if st := mgr.Status(); st.BufferFill != testWindow || st.QueueDepth != 1 || st.Running {
		t.Errorf("status = %+v", st)
	}
}

func TestProcessIntervalThrottlesSnapshots(t *testing.T) {
	cfg := testConfig(9)
	cfg.ProcessInterval = time.Second
	mgr, _ := newTestManager(t, cfg)
	now := time.Unix(100, 0)
	mgr.now = func() time.Time { return now }

	mgr.HandleBlock(block(1))
	mgr.HandleBlock(block(1))
	now = now.Add(time.Second)
	mgr.HandleBlock(block(1))
	if mgr.queue.Len() != 2 {
		t.Errorf("queue = %d, want 2", mgr.queue.Len())
	}
}

func TestCheckSendFailureKeepsWindow(t *testing.T) {
	cfg := testConfig(9)
	mgr := New(cfg, nil, failingSink{}, classifier.DefaultLabels,
		WithMetrics(metrics.NewWithRegistry(prometheus.NewRegistry())))
	now := time.Now()
	for range 3 {
		mgr.window.Add("Cat", 0.9, now)
	}

	_, ok, err := mgr.Check(context.Background(), now)
	if ok || !apperrors.IsCode(err, apperrors.CodeTransportFailed) {
		t.Fatalf("Check = %v, %v; want TRANSPORT_FAILED", ok, err)
	}
	if mgr.window.Len() != 3 {
		t.Errorf("window = %d after failed send, want 3", mgr.window.Len())
	}
}

func TestNoMajority(t *testing.T) {
	mgr, m := newTestManager(t, testConfig(9))
	now := time.Now()
	for _, l := range []string{"Cat", "Mouse", "Cow", "Frog"} {
		mgr.window.Add(l, 0.9, now)
	}
	if _, ok, _ := mgr.Check(context.Background(), now); ok {
		t.Error("emitted without a majority")
	}
	if testutil.ToFloat64(m.MajorityChecks.WithLabelValues(metrics.OutcomeNoMajority)) != 1 {
		t.Error("no-majority check not counted")
	}
	if st := mgr.Status(); st.LastMajority.Label != "Cat" || st.LastMajority.OK {
		t.Errorf("last majority = %+v", st.LastMajority)
	}
}

func TestJournalRecordsVerdicts(t *testing.T) {
	port, ch := datagrams(t)
	store, err := journal.Open(journal.Options{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	mgr, _ := newTestManager(t, testConfig(port), WithJournal(store))
	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer mgr.Stop()

	now := time.Now()
	for range 2 {
		mgr.window.Add("Seagull", 0.9, now)
	}
	mgr.window.Add("Cat", 0.9, now)
	if _, ok, err := mgr.Check(ctx, now); !ok || err != nil {
		t.Fatalf("Check = %v, %v", ok, err)
	}
	if msg := <-ch; msg.Raw != "Seagull,0.667" {
		t.Errorf("datagram = %q", msg.Raw)
	}

	recs, err := mgr.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Label != "Seagull" || recs[0].ID == "" {
		t.Errorf("journal = %+v", recs)
	}
}

func TestRecentWithoutJournal(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig(9))
	if _, err := mgr.Recent(context.Background(), 5); !apperrors.IsCode(err, apperrors.CodeUnavailable) {
		t.Errorf("err = %v, want UNAVAILABLE", err)
	}
}

func TestStartStopSource(t *testing.T) {
	src := &fakeSource{}
	mgr, _ := newTestManager(t, testConfig(9), WithSource(src))
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	mgr.Stop()
	mgr.Stop()
	if !src.started || !src.stopped {
		t.Errorf("source = %+v", src)
	}
	if mgr.Status().Running {
		t.Error("still running after Stop")
	}
}

func TestStartSourceFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("no input device")}
	mgr, _ := newTestManager(t, testConfig(9), WithSource(src))
	err := mgr.Start(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeUnavailable) {
		t.Fatalf("Start = %v, want UNAVAILABLE", err)
	}
	if mgr.Status().Running {
		t.Error("running after failed start")
	}
}

func TestBreakerGauge(t *testing.T) {
	b := resilience.New("inference", resilience.Config{Threshold: 1, ResetTimeout: time.Hour, HalfOpenSuccesses: 1})
	_, m := newTestManager(t, testConfig(9), WithBreaker(b))
	b.Failure()
	if got := testutil.ToFloat64(m.BreakerState); got != float64(resilience.Open) {
		t.Errorf("breaker gauge = %v, want %v", got, float64(resilience.Open))
	}
}
