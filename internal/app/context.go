package app

import (
	"context"
	"errors"
	"fmt"

	"obraline/internal/config"
	"obraline/internal/engine"
	"obraline/internal/repo"
)

// ResolveProgramAndConfig picks the active program and ensures it exists in DB.
// It prefers the override, then the workspace config file, then a single-program DB.
// A program that does not exist yet is initialized from the workspace config
// (or the defaults) with actorID as owner.
func ResolveProgramAndConfig(ctx context.Context, workspace, programOverride, actorID string, e engine.Engine) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	programID := programOverride
	if programID == "" && fileCfg != nil {
		programID = fileCfg.Program.ID
	}
	if programID == "" {
		p, err := e.Repo.SingleProgram(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("program not specified; use --program")
		}
		programID = p.ID
	}

	if _, err := e.Repo.GetProgram(ctx, nil, programID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if fileCfg != nil && fileCfg.Program.ID == programID {
			e.Config = fileCfg
		}
		if _, err := e.InitProgram(ctx, programID, "", actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := e.ProgramConfig(ctx, programID)
	if err != nil {
		return "", nil, err
	}
	return programID, cfg, nil
}
