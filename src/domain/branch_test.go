package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBranch(t *testing.T) {
	t.Parallel()

	tries := map[string]struct {
		name  string
		valid bool
	}{
		"master":          {"master", true},
		"develop":         {"develop", true},
		"nested":          {"feature/login-form", true},
		"dots":            {"release-1.2.3", true},
		"empty":           {"", false},
		"leading dash":    {"-master", false},
		"leading slash":   {"/master", false},
		"trailing slash":  {"feature/", false},
		"double dot":      {"release..1", false},
		"double slash":    {"feature//x", false},
		"whitespace":      {"my branch", false},
		"lock suffix":     {"master.lock", false},
		"shell metachars": {"master;rm", false},
	}

	for name, try := range tries {
		try := try
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseBranch(try.name)
			if try.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidBranch)
			}
		})
	}
}

func TestBranchNames(t *testing.T) {
	t.Parallel()

	for branch, expected := range map[Branch][4]string{
		"master":        {"master-pipeline", "master-pipeline-stack", "master-app-stack", "Deploy_master-app-stack"},
		"develop":       {"develop-pipeline", "develop-pipeline-stack", "develop-app-stack", "Deploy_develop-app-stack"},
		"feature/login": {"feature-login-pipeline", "feature-login-pipeline-stack", "feature-login-app-stack", "Deploy_feature-login-app-stack"},
	} {
		assert.Equal(t, expected[0], branch.PipelineName())
		assert.Equal(t, expected[1], branch.PipelineStackName())
		assert.Equal(t, expected[2], branch.ApplicationStackName())
		assert.Equal(t, expected[3], branch.DeployActionName())
	}
}
