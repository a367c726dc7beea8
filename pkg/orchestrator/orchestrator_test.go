package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"github.com/ethpandaops/ercxoor/pkg/solidity"
	"github.com/ethpandaops/ercxoor/pkg/testtree"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// events is a shared, ordered log of client calls and run callbacks.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.log = append(e.log, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.log...)
}

func (e *events) count(s string) int {
	var n int

	for _, v := range e.all() {
		if v == s {
			n++
		}
	}

	return n
}

type fakeClient struct {
	events   *events
	created  *ercx.CreateReportRequest
	create   func(ctx context.Context) (*ercx.Report, error)
	polls    []*ercx.Report
	onPoll   func()
	pollErr  error
	pollCall int
	fields   []string
}

func (c *fakeClient) CreateReport(
	ctx context.Context, req *ercx.CreateReportRequest,
) (*ercx.Report, error) {
	c.events.add("create")
	c.created = req

	return c.create(ctx)
}

func (c *fakeClient) GetReport(
	_ context.Context, _ string, fields ...string,
) (*ercx.Report, error) {
	c.events.add("poll")
	c.fields = fields

	if c.onPoll != nil {
		c.onPoll()
	}

	if c.pollErr != nil {
		return nil, c.pollErr
	}

	if c.pollCall >= len(c.polls) {
		return &ercx.Report{ID: "r1", Status: ercx.StatusRunning}, nil
	}

	r := c.polls[c.pollCall]
	c.pollCall++

	return r, nil
}

func respond(r *ercx.Report) func(context.Context) (*ercx.Report, error) {
	return func(context.Context) (*ercx.Report, error) {
		return r, nil
	}
}

type recordingRun struct {
	events   *events
	onStart  func()
	messages map[string]*Message
	ended    int
}

func newRecordingRun(ev *events) *recordingRun {
	return &recordingRun{events: ev, messages: make(map[string]*Message)}
}

func (r *recordingRun) Enqueued(n *testtree.Node) { r.events.add("enqueued:" + n.ID) }

func (r *recordingRun) Started(n *testtree.Node) {
	r.events.add("started:" + n.ID)

	if r.onStart != nil {
		r.onStart()
	}
}

func (r *recordingRun) Passed(n *testtree.Node)  { r.events.add("passed:" + n.ID) }
func (r *recordingRun) Skipped(n *testtree.Node) { r.events.add("skipped:" + n.ID) }

func (r *recordingRun) Failed(n *testtree.Node, msg *Message) {
	r.events.add("failed:" + n.ID)
	r.messages[n.ID] = msg
}

func (r *recordingRun) Errored(n *testtree.Node, msg *Message) {
	r.events.add("errored:" + n.ID)
	r.messages[n.ID] = msg
}

func (r *recordingRun) End() {
	r.ended++
	r.events.add("end")
}

type recordingNotifier struct {
	errors []string
}

func (n *recordingNotifier) ShowError(msg string) {
	n.errors = append(n.errors, msg)
}

type fakeRegistry struct {
	roots    []*testtree.Node
	metadata map[*testtree.Node]testtree.Metadata
}

func (r *fakeRegistry) Roots() []*testtree.Node { return r.roots }

func (r *fakeRegistry) Metadata(n *testtree.Node) (testtree.Metadata, bool) {
	md, ok := r.metadata[n]

	return md, ok
}

// fixture is a tree with one root, a "standard" level holding testX and
// testY and a "features" level holding testZ.
type fixture struct {
	path     string
	registry *fakeRegistry
	root     *testtree.Node
	standard *testtree.Node
	features *testtree.Node
	testX    *testtree.Node
	testY    *testtree.Node
	testZ    *testtree.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "Token.sol")
	require.NoError(t, os.WriteFile(path, []byte("contract Token {}"), 0o600))

	f := &fixture{path: path}
	md := func(tier testtree.Tier) testtree.Metadata {
		return testtree.Metadata{ContractName: "Token", Tier: tier, Standard: ercx.StandardERC20}
	}

	f.root = testtree.NewNode(testtree.RootID(path, ercx.StandardERC20), "Token.sol (ERC20)", path, solidity.Range{})
	f.standard = f.root.AddChild(testtree.NewNode("standard", "Standard", path, solidity.Range{}))
	f.features = f.root.AddChild(testtree.NewNode("features", "Features", path, solidity.Range{}))
	f.testX = f.standard.AddChild(testtree.NewNode("testX", "testX", path, solidity.Range{}))
	f.testY = f.standard.AddChild(testtree.NewNode("testY", "testY", path, solidity.Range{}))
	f.testZ = f.features.AddChild(testtree.NewNode("testZ", "testZ", path, solidity.Range{}))

	f.registry = &fakeRegistry{
		roots: []*testtree.Node{f.root},
		metadata: map[*testtree.Node]testtree.Metadata{
			f.root:     md(testtree.TierRoot),
			f.standard: md(testtree.TierLevel),
			f.features: md(testtree.TierLevel),
			f.testX:    md(testtree.TierIndividual),
			f.testY:    md(testtree.TierIndividual),
			f.testZ:    md(testtree.TierIndividual),
		},
	}

	return f
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func eval(name string, result ercx.TestResult) ercx.Evaluation {
	return ercx.Evaluation{
		Test: ercx.PropertyTest{
			Name:         name,
			Feedback:     "balance not updated",
			Expected:     "balance updated",
			Inconclusive: "could not decide",
		},
		Result: result,
	}
}

func newOrchestrator(
	client ReportClient, registry Registry, notifier Notifier, interval time.Duration,
) Orchestrator {
	return New(testLogger(), client, registry, notifier, &Config{PollInterval: interval})
}

func TestRun_DoneResolvesLeaves(t *testing.T) {
	f := newFixture(t)
	ev := &events{}
	client := &fakeClient{events: ev, create: respond(&ercx.Report{
		ID:     "r1",
		Status: ercx.StatusDone,
		Evaluations: []ercx.Evaluation{
			eval("testX", ercx.ResultPassed),
			eval("testY", ercx.ResultFailed),
			eval("testZ", ercx.ResultFailed),
		},
	})}
	run := newRecordingRun(ev)

	o := newOrchestrator(client, f.registry, &recordingNotifier{}, time.Millisecond)

	result, err := o.Run(context.Background(), RunRequest{}, run)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"enqueued:" + f.root.ID,
		"enqueued:standard",
		"enqueued:testX",
		"enqueued:testY",
		"enqueued:features",
		"enqueued:testZ",
		"create",
		"passed:testX",
		"failed:testY",
		"errored:testZ",
		"end",
	}, ev.all())

	assert.Equal(t, "r1", result.ReportID)
	assert.Equal(t, ercx.StatusDone, result.Status)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Errored)
	assert.Equal(t, 0, result.Polls)

	failure := run.messages["testY"]
	require.NotNil(t, failure)
	assert.Equal(t, "balance not updated", failure.Text)
	assert.Contains(t, failure.Diff, "-balance updated")
	assert.Contains(t, failure.Diff, "+balance not updated")

	feature := run.messages["testZ"]
	require.NotNil(t, feature)
	assert.Contains(t, feature.Text, "optional")
}

func TestRun_SinglePassedEvaluation(t *testing.T) {
	f := newFixture(t)
	ev := &events{}
	client := &fakeClient{events: ev, create: respond(&ercx.Report{
		ID:          "r1",
		Status:      ercx.StatusEvaluatedOnlyTest,
		Evaluations: []ercx.Evaluation{eval("testX", ercx.ResultPassed)},
	})}

	o := newOrchestrator(client, f.registry, &recordingNotifier{}, time.Millisecond)

	_, err := o.Run(context.Background(), RunRequest{Include: []*testtree.Node{f.testX}}, newRecordingRun(ev))
	require.NoError(t, err)

	assert.Equal(t, 1, ev.count("passed:testX"))
	assert.Equal(t, 0, ev.count("failed:testX"))
	assert.Equal(t, 0, ev.count("skipped:testX"))
	assert.Equal(t, 0, ev.count("passed:testY"))
	assert.Equal(t, "testX", client.created.OnlyTest)
}

func TestRun_MissingAndNotTestedAreSkipped(t *testing.T) {
	f := newFixture(t)
	ev := &events{}
	client := &fakeClient{events: ev, create: respond(&ercx.Report{
		ID:          "r1",
		Status:      ercx.StatusEvaluatedTestedLevels,
		Evaluations: []ercx.Evaluation{eval("testY", ercx.ResultNotTested)},
	})}

	o := newOrchestrator(client, f.registry, &recordingNotifier{}, time.Millisecond)

	result, err := o.Run(context.Background(), RunRequest{Include: []*testtree.Node{f.standard}}, newRecordingRun(ev))
	require.NoError(t, err)

	assert.Equal(t, 1, ev.count("skipped:testX"))
	assert.Equal(t, 1, ev.count("skipped:testY"))
	assert.Equal(t, 0, ev.count("failed:testX"))
	assert.Equal(t, 0, ev.count("skipped:testZ"))
	assert.Equal(t, 2, result.Skipped)
}

func TestRun_FeatureFailureIsErrored(t *testing.T) {
	f := newFixture(t)
	ev := &events{}
	client := &fakeClient{events: ev, create: respond(&ercx.Report{
		ID:          "r1",
		Status:      ercx.StatusDone,
		Evaluations: []ercx.Evaluation{eval("testZ", ercx.ResultFailed)},
	})}

	o := newOrchestrator(client, f.registry, &recordingNotifier{}, time.Millisecond)

	_, err := o.Run(context.Background(), RunRequest{Include: []*testtree.Node{f.testZ}}, newRecordingRun(ev))
	require.NoError(t, err)

	assert.Equal(t, 1, ev.count("errored:testZ"))
	assert.Equal(t, 0, ev.count("failed:testZ"))
}

func TestRun_InconclusiveUsesInconclusiveText(t *testing.T) {
	f := newFixture(t)
	ev := &events{}
	client := &fakeClient{events: ev, create: respond(&ercx.Report{
		ID:          "r1",
		Status:      ercx.StatusDone,
		Evaluations: []ercx.Evaluation{eval("testX", ercx.ResultInconclusive)},
	})}
	run := newRecordingRun(ev)

	o := newOrchestrator(client, f.registry, &recordingNotifier{}, time.Millisecond)

	_, err := o.Run(context.Background(), RunRequest{Include: []*testtree.Node{f.testX}}, run)
	require.NoError(t, err)

	assert.Equal(t, 1, ev.count("failed:testX"))
	assert.Equal(t, "could not decide", run.messages["testX"].Text)
}

func TestRun_ExcludedNodesGetNoOutcome(t *testing.T) {
	f := newFixture(t)
	ev := &events{}
	client := &fakeClient{events: ev, create: respond(&ercx.Report{
		ID:     "r1",
		Status: ercx.StatusDone,
		Evaluations: []ercx.Evaluation{
			eval("testX", ercx.ResultPassed),
			eval("testY", ercx.ResultPassed),
			eval("testZ", ercx.ResultPassed),
		},
	})}

	o := newOrchestrator(client, f.registry, &recordingNotifier{}, time.Millisecond)

	_, err := o.Run(context.Background(), RunRequest{
		Exclude: []*testtree.Node{f.features, f.testY},
	}, newRecordingRun(ev))
	require.NoError(t, err)

	assert.Equal(t, 1, ev.count("passed:testX"))
	assert.Equal(t, 0, ev.count("passed:testY"))
	assert.Equal(t, 0, ev.count("passed:testZ"))
}

func TestRun_RunningPollsOnceAfterDelay(t *testing.T) {
	f := newFixture(t)
	ev := &events{}
	interval := 50 * time.Millisecond
	client := &fakeClient{
		events: ev,
		create: respond(&ercx.Report{ID: "r1", Status: ercx.StatusRunning}),
		polls: []*ercx.Report{{
			ID:          "r1",
			Status:      ercx.StatusEvaluatedOnlyTest,
			Evaluations: []ercx.Evaluation{eval("testX", ercx.ResultPassed)},
		}},
	}

	o := newOrchestrator(client, f.registry, &recordingNotifier{}, interval)

	start := time.Now()
	result, err := o.Run(context.Background(), RunRequest{Include: []*testtree.Node{f.testX}}, newRecordingRun(ev))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), interval)
	assert.Equal(t, 1, ev.count("poll"))
	assert.Equal(t, 1, result.Polls)
	assert.Equal(t, []string{"evaluations"}, client.fields)

	assert.Equal(t, []string{
		"enqueued:testX",
		"create",
		"started:testX",
		"poll",
		"passed:testX",
		"end",
	}, ev.all())
}

func TestRun_StartedOnlyOnFirstNonTerminalResponse(t *testing.T) {
	f := newFixture(t)
	ev := &events{}
	client := &fakeClient{
		events: ev,
		create: respond(&ercx.Report{ID: "r1", Status: ercx.StatusPending}),
		polls: []*ercx.Report{
			{ID: "r1", Status: ercx.StatusRunning},
			{ID: "r1", Status: ercx.StatusRunning},
			{
				ID:          "r1",
				Status:      ercx.StatusEvaluatedTestedLevels,
				Evaluations: []ercx.Evaluation{eval("testX", ercx.ResultPassed)},
			},
		},
	}

	o := newOrchestrator(client, f.registry, &recordingNotifier{}, 5*time.Millisecond)

	result, err := o.Run(context.Background(), RunRequest{Include: []*testtree.Node{f.standard}}, newRecordingRun(ev))
	require.NoError(t, err)

	assert.Equal(t, 3, ev.count("poll"))
	assert.Equal(t, 3, result.Polls)

	for _, id := range []string{"standard", "testX", "testY"} {
		assert.Equal(t, 1, ev.count("started:"+id), id)
	}

	all := ev.all()
	firstPoll := -1

	for i, e := range all {
		if e == "poll" {
			firstPoll = i

			break
		}
	}

	require.GreaterOrEqual(t, firstPoll, 0)

	for _, e := range all[firstPoll:] {
		assert.NotContains(t, e, "started:")
	}

	assert.Equal(t, 1, ev.count("passed:testX"))
	assert.Equal(t, 1, ev.count("skipped:testY"))
	assert.Equal(t, "end", all[len(all)-1])
}

func TestRun_RunningWithEvaluationsResolves(t *testing.T) {
	f := newFixture(t)
	ev := &events{}
	client := &fakeClient{events: ev, create: respond(&ercx.Report{
		ID:          "r1",
		Status:      ercx.StatusRunning,
		Evaluations: []ercx.Evaluation{eval("testX", ercx.ResultPassed)},
	})}

	o := newOrchestrator(client, f.registry, &recordingNotifier{}, time.Hour)

	_, err := o.Run(context.Background(), RunRequest{Include: []*testtree.Node{f.testX}}, newRecordingRun(ev))
	require.NoError(t, err)

	assert.Equal(t, 0, ev.count("poll"))
	assert.Equal(t, 1, ev.count("passed:testX"))
}

func TestRun_CancelBetweenPolls(t *testing.T) {
	f := newFixture(t)
	ev := &events{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeClient{
		events: ev,
		create: respond(&ercx.Report{ID: "r1", Status: ercx.StatusPending}),
		onPoll: cancel,
	}
	run := newRecordingRun(ev)

	o := newOrchestrator(client, f.registry, &recordingNotifier{}, time.Millisecond)

	_, err := o.Run(ctx, RunRequest{Include: []*testtree.Node{f.standard}}, run)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, ev.count("poll"))
	assert.Equal(t, 1, run.ended)

	for _, e := range ev.all() {
		assert.NotContains(t, e, "passed:")
		assert.NotContains(t, e, "failed:")
		assert.NotContains(t, e, "skipped:")
		assert.NotContains(t, e, "errored:")
	}
}

func TestRun_CancelDuringWait(t *testing.T) {
	f := newFixture(t)
	ev := &events{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeClient{
		events: ev,
		create: respond(&ercx.Report{ID: "r1", Status: ercx.StatusRunning}),
	}
	run := newRecordingRun(ev)
	run.onStart = cancel

	o := newOrchestrator(client, f.registry, &recordingNotifier{}, time.Hour)

	_, err := o.Run(ctx, RunRequest{Include: []*testtree.Node{f.testX}}, run)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 0, ev.count("poll"))
	assert.Equal(t, 1, run.ended)
}

func TestRun_ErrorStatusNotifies(t *testing.T) {
	f := newFixture(t)
	ev := &events{}
	client := &fakeClient{
		events: ev,
		create: respond(&ercx.Report{ID: "r1", Status: ercx.StatusRunning}),
		polls:  []*ercx.Report{{ID: "r1", Status: ercx.StatusError, Error: "compilation failed"}},
	}
	notifier := &recordingNotifier{}
	run := newRecordingRun(ev)

	o := newOrchestrator(client, f.registry, notifier, time.Millisecond)

	result, err := o.Run(context.Background(), RunRequest{}, run)

	var reportErr *ReportError
	require.ErrorAs(t, err, &reportErr)
	assert.Equal(t, "compilation failed", reportErr.Message)
	assert.Equal(t, []string{"compilation failed"}, notifier.errors)
	assert.Equal(t, ercx.StatusError, result.Status)
	assert.Equal(t, 1, run.ended)
	assert.Zero(t, result.Passed+result.Failed+result.Skipped+result.Errored)
}

func TestRun_TransportErrorsEndRun(t *testing.T) {
	t.Run("submission", func(t *testing.T) {
		f := newFixture(t)
		ev := &events{}
		client := &fakeClient{events: ev, create: func(context.Context) (*ercx.Report, error) {
			return nil, &ercx.APIError{StatusCode: 500, Message: "boom"}
		}}
		run := newRecordingRun(ev)

		o := newOrchestrator(client, f.registry, &recordingNotifier{}, time.Millisecond)

		_, err := o.Run(context.Background(), RunRequest{}, run)

		var apiErr *ercx.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 0, ev.count("poll"))
		assert.Equal(t, 1, run.ended)
	})

	t.Run("poll", func(t *testing.T) {
		f := newFixture(t)
		ev := &events{}
		client := &fakeClient{
			events:  ev,
			create:  respond(&ercx.Report{ID: "r1", Status: ercx.StatusPending}),
			pollErr: errors.New("connection reset"),
		}
		run := newRecordingRun(ev)

		o := newOrchestrator(client, f.registry, &recordingNotifier{}, time.Millisecond)

		_, err := o.Run(context.Background(), RunRequest{}, run)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
		assert.Equal(t, 1, ev.count("poll"))
		assert.Equal(t, 1, run.ended)
	})
}

func TestRun_PayloadPerTier(t *testing.T) {
	tests := []struct {
		name         string
		target       func(f *fixture) *testtree.Node
		testedLevels string
		onlyTest     string
	}{
		{name: "root", target: func(f *fixture) *testtree.Node { return f.root }},
		{name: "level", target: func(f *fixture) *testtree.Node { return f.standard }, testedLevels: "Standard"},
		{name: "individual", target: func(f *fixture) *testtree.Node { return f.testY }, onlyTest: "testY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ev := &events{}
			client := &fakeClient{events: ev, create: respond(&ercx.Report{ID: "r1", Status: ercx.StatusDone})}

			o := newOrchestrator(client, f.registry, &recordingNotifier{}, time.Millisecond)

			// Extra include entries are ignored.
			_, err := o.Run(context.Background(), RunRequest{
				Include: []*testtree.Node{tt.target(f), testtree.NewNode("extra", "extra", f.path, solidity.Range{})},
			}, newRecordingRun(ev))
			require.NoError(t, err)

			req := client.created
			require.NotNil(t, req)
			assert.Equal(t, ercx.StandardERC20, req.Standard)
			assert.Equal(t, "Token", req.TokenClass)
			assert.Equal(t, "Token.sol", req.SourceCodeFile.Name)
			assert.Equal(t, f.path, req.SourceCodeFile.Path)
			assert.Equal(t, "contract Token {}", req.SourceCodeFile.Content)
			assert.Equal(t, tt.testedLevels, req.TestedLevels)
			assert.Equal(t, tt.onlyTest, req.OnlyTest)
			assert.Equal(t, 0, ev.count("enqueued:extra"))
		})
	}
}

func TestRun_RejectsOverlappingRuns(t *testing.T) {
	f := newFixture(t)
	ev := &events{}
	release := make(chan struct{})
	entered := make(chan struct{})

	client := &fakeClient{events: ev, create: func(context.Context) (*ercx.Report, error) {
		close(entered)
		<-release

		return &ercx.Report{ID: "r1", Status: ercx.StatusDone}, nil
	}}

	o := newOrchestrator(client, f.registry, &recordingNotifier{}, time.Millisecond)

	done := make(chan error, 1)

	go func() {
		_, err := o.Run(context.Background(), RunRequest{}, newRecordingRun(ev))
		done <- err
	}()

	<-entered

	second := newRecordingRun(&events{})
	result, err := o.Run(context.Background(), RunRequest{}, second)
	require.ErrorIs(t, err, ErrRunInProgress)
	assert.Nil(t, result)
	assert.Equal(t, 0, second.ended)
	assert.Empty(t, second.events.all())

	close(release)
	require.NoError(t, <-done)
}

func TestRun_NothingToRun(t *testing.T) {
	ev := &events{}
	run := newRecordingRun(ev)

	o := newOrchestrator(&fakeClient{events: ev}, &fakeRegistry{}, &recordingNotifier{}, time.Millisecond)

	result, err := o.Run(context.Background(), RunRequest{}, run)
	require.NoError(t, err)
	assert.Empty(t, result.ReportID)
	assert.Equal(t, []string{"end"}, ev.all())
}
