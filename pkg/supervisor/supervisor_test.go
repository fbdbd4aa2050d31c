package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/wdshin/php-app/pkg/pool"
	"github.com/wdshin/php-app/pkg/worker"
)

type SupervisorTestSuite struct {
	suite.Suite
}

func TestSupervisorTestSuite(t *testing.T) {
	suite.Run(t, new(SupervisorTestSuite))
}

func (suite *SupervisorTestSuite) TestChildren() {
	sup := New(Config{
		Workers: 3,
		Worker:  worker.Config{PHPPath: "/bin/cat"},
	})

	children := sup.Children()
	suite.Require().Len(children, 3)
	seen := map[string]bool{}
	for _, c := range children {
		suite.Equal(pool.TypeWorker, c.Type)
		suite.Contains(c.Tags, EvalTag)
		suite.False(seen[c.ID], "child ids are unique")
		seen[c.ID] = true
		suite.Zero(c.Pid, "no pid before start")
	}

	suite.NotNil(sup.Worker(children[0].ID))
	suite.Nil(sup.Worker("no-such-child"))
}

func (suite *SupervisorTestSuite) TestStartStop() {
	// cat blocks on stdin, which is all the lifecycle test needs
	sup := New(Config{
		Workers: 2,
		Worker:  worker.Config{PHPPath: "/bin/cat"},
	})
	suite.Require().NoError(sup.Start(context.Background()))
	defer sup.Stop()

	for _, c := range sup.Children() {
		suite.Greater(c.Pid, 0)
	}
}

func (suite *SupervisorTestSuite) TestDefaultPoolSize() {
	sup := New(Config{Worker: worker.Config{PHPPath: "/bin/cat"}})
	suite.NotEmpty(sup.Children())
}
