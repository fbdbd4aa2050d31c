package worker

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/wdshin/php-app/pkg/types"
)

// TestHelperProcess stands in for the interpreter subprocess: it speaks
// the frame protocol on stdin/stdout and interprets a tiny command
// language. It only runs when re-executed by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("PHP_POOL_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	state := map[string]bool{}
	for {
		var req types.EvalRequest
		if err := types.ReadFrame(os.Stdin, &req); err != nil {
			return
		}
		rep := types.EvalReply{ID: req.ID, Tag: types.TagOK, Status: types.StatusContinue}
		switch {
		case req.Code == "crash;":
			os.Exit(3)
		case req.Code == "exit;":
			rep.Tag = types.TagExit
			rep.ExitCode = 0
			_ = types.WriteFrame(os.Stdout, &rep)
			return
		case req.Code == "sleep;":
			time.Sleep(10 * time.Second)
		case req.Code == "return 42;":
			rep.Value = 42
		case strings.HasPrefix(req.Code, "echo "):
			rep.Output = []byte(strings.TrimSuffix(strings.TrimPrefix(req.Code, "echo "), ";"))
		case strings.HasPrefix(req.Code, "set "):
			state[strings.TrimSuffix(strings.TrimPrefix(req.Code, "set "), ";")] = true
		case strings.HasPrefix(req.Code, "isset "):
			rep.Value = state[strings.TrimSuffix(strings.TrimPrefix(req.Code, "isset "), ";")]
		case strings.Contains(req.Code, "syntax"):
			rep.Tag = types.TagParseError
			rep.LastError = "syntax error, unexpected token"
			rep.Status = types.StatusBreak
		}
		if err := types.WriteFrame(os.Stdout, &rep); err != nil {
			return
		}
	}
}

func helperConfig(id string) Config {
	return Config{
		ID:             id,
		PHPPath:        os.Args[0],
		Args:           []string{"-test.run=TestHelperProcess$"},
		Env:            []string{"PHP_POOL_HELPER=1"},
		RequireTimeout: 5 * time.Second,
	}
}

type WorkerTestSuite struct {
	suite.Suite
	ctx context.Context
}

func TestWorkerTestSuite(t *testing.T) {
	suite.Run(t, new(WorkerTestSuite))
}

func (suite *WorkerTestSuite) SetupTest() {
	suite.ctx = context.Background()
}

func (suite *WorkerTestSuite) TestBasic() {
	w := New(helperConfig("w0"))
	defer w.Close()

	res := w.Evaluate(suite.ctx, "return 42;", 0, 0)
	suite.Equal(types.ResultOK, res.Kind)
	suite.EqualValues(42, res.Value)
	suite.Equal(types.StatusContinue, res.Status)
	suite.Equal(uint64(1), w.Spawns())
	suite.Greater(w.Pid(), 0)
}

func (suite *WorkerTestSuite) TestOutputCapture() {
	w := New(helperConfig("w0"))
	defer w.Close()

	res := w.Evaluate(suite.ctx, "echo hi;", 0, 0)
	suite.Equal(types.ResultOK, res.Kind)
	suite.Equal([]byte("hi"), res.Output)
}

func (suite *WorkerTestSuite) TestParseError() {
	w := New(helperConfig("w0"))
	defer w.Close()

	res := w.Evaluate(suite.ctx, "syntax ][", 0, 0)
	suite.Equal(types.ResultParseError, res.Kind)
	suite.NotEmpty(res.LastError)
	suite.Equal(types.StatusBreak, res.Status)
}

func (suite *WorkerTestSuite) TestTimeoutRecycles() {
	w := New(helperConfig("w0"))
	defer w.Close()

	res := w.Evaluate(suite.ctx, "sleep;", 200*time.Millisecond, 0)
	suite.Equal(types.ResultExit, res.Kind)
	suite.True(res.TimedOut)
	suite.Equal(types.StatusBreak, res.Status)

	// the stub respawned eagerly and serves the next call
	res = w.Evaluate(suite.ctx, "return 42;", time.Second, 0)
	suite.Equal(types.ResultOK, res.Kind)
	suite.Equal(uint64(2), w.Spawns())
}

func (suite *WorkerTestSuite) TestCrashRespawns() {
	w := New(helperConfig("w0"))
	defer w.Close()

	res := w.Evaluate(suite.ctx, "crash;", time.Second, 0)
	suite.Equal(types.ResultExit, res.Kind)
	suite.Equal(3, res.ExitCode)

	res = w.Evaluate(suite.ctx, "return 42;", time.Second, 0)
	suite.Equal(types.ResultOK, res.Kind)
}

func (suite *WorkerTestSuite) TestVoluntaryExit() {
	w := New(helperConfig("w0"))
	defer w.Close()

	res := w.Evaluate(suite.ctx, "exit;", time.Second, 0)
	suite.Equal(types.ResultExit, res.Kind)
	suite.Equal(0, res.ExitCode)
	suite.Equal(types.StatusBreak, res.Status)

	res = w.Evaluate(suite.ctx, "return 42;", time.Second, 0)
	suite.Equal(types.ResultOK, res.Kind)
}

func (suite *WorkerTestSuite) TestRequireReplay() {
	w := New(helperConfig("w0"))
	defer w.Close()

	suite.Require().NoError(w.Restart(suite.ctx, []string{"set flag;"}))
	res := w.Evaluate(suite.ctx, "isset flag;", time.Second, 0)
	suite.Equal(true, res.Value)

	// requires are replayed on the automatic respawn after a crash too
	res = w.Evaluate(suite.ctx, "crash;", time.Second, 0)
	suite.Equal(types.ResultExit, res.Kind)
	res = w.Evaluate(suite.ctx, "isset flag;", time.Second, 0)
	suite.Equal(true, res.Value)
}

func (suite *WorkerTestSuite) TestMemoryCeilingRecycles() {
	w := New(helperConfig("w0"))
	defer w.Close()

	// any real process is resident above 1 KiB
	res := w.Evaluate(suite.ctx, "return 42;", time.Second, 1)
	suite.Equal(types.ResultOK, res.Kind)
	suite.Equal(types.StatusBreak, res.Status)
	suite.Equal(uint64(2), w.Spawns())

	// without a ceiling the fresh subprocess keeps continue status
	res = w.Evaluate(suite.ctx, "return 42;", time.Second, 0)
	suite.Equal(types.StatusContinue, res.Status)
}

func (suite *WorkerTestSuite) TestMeasureMemory() {
	w := New(helperConfig("w0"))
	defer w.Close()

	kb, err := w.MeasureMemory(suite.ctx)
	suite.Require().NoError(err)
	suite.Greater(kb, 0)
}

func (suite *WorkerTestSuite) TestClosed() {
	w := New(helperConfig("w0"))
	w.Close()

	res := w.Evaluate(suite.ctx, "return 42;", time.Second, 0)
	suite.Equal(types.ResultExit, res.Kind)

	_, err := w.MeasureMemory(suite.ctx)
	suite.ErrorIs(err, ErrClosed)
}
