package convergence

import (
	"github.com/entrhq/potter/pkg/config"
	"github.com/entrhq/potter/pkg/workspace"
)

// FromConfig creates the checks named by the configuration, in the order
// clean tree, quality gates, judge.
func FromConfig(cfg config.ConvergenceConfig, ignore *workspace.IgnoreMatcher) ([]Check, error) {
	var checks []Check
	if cfg.RequireCleanTree {
		checks = append(checks, CleanTree{Ignore: ignore})
	}
	for _, gate := range cfg.QualityGates {
		checks = append(checks, NewCommandGate(gate.Name, gate.Command, gate.Required, gate.Timeout))
	}
	if cfg.Judge.Enabled {
		var opts []JudgeOption
		if cfg.Judge.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.Judge.BaseURL))
		}
		if cfg.Judge.Timeout > 0 {
			opts = append(opts, WithTimeout(cfg.Judge.Timeout))
		}
		judge, err := NewJudge(cfg.Judge.APIKey, cfg.Judge.Model, opts...)
		if err != nil {
			return nil, err
		}
		checks = append(checks, judge)
	}
	return checks, nil
}
