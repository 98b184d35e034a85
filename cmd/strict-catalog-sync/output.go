package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/olekukonko/tablewriter"

	"github.com/yuya-takeyama/strict-catalog-sync/pkg/planner"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/runlog"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/syncer"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/verifier"
)

// PlanResult represents the classified actions before execution
type PlanResult struct {
	DryRun  bool           `json:"dry_run" yaml:"dry_run"`
	Files   []planner.Item `json:"files" yaml:"files"`
	Summary PlanSummary    `json:"summary" yaml:"summary"`
}

type PlanSummary struct {
	Add         int `json:"add" yaml:"add"`
	Delete      int `json:"delete" yaml:"delete"`
	Update      int `json:"update" yaml:"update"`
	OrphanBlobs int `json:"orphan_blobs" yaml:"orphan_blobs"`
	BlobMissing int `json:"blob_missing" yaml:"blob_missing"`
	Untouched   int `json:"untouched" yaml:"untouched"`
}

// SyncResult represents the actual execution results
type SyncResult struct {
	Outcome      runlog.Outcome   `json:"outcome"`
	Recorded     bool             `json:"recorded"`
	Phases       []PhaseSummary   `json:"phases"`
	Errors       []ErrorFile      `json:"errors"`
	Verification *verifier.Report `json:"verification,omitempty"`
}

type PhaseSummary struct {
	Phase   string `json:"phase"`
	Planned int    `json:"planned"`
	Applied int    `json:"applied"`
	Failed  int    `json:"failed"`
	Error   string `json:"error,omitempty"`
}

type ErrorFile struct {
	Action string `json:"action"` // "add", "update", "delete"
	Target string `json:"target"`
	Error  string `json:"error"`
}

func newPlanResult(rep *syncer.Report) PlanResult {
	counts := rep.Actions.Counts()
	files := rep.Plan
	if files == nil {
		files = []planner.Item{}
	}
	return PlanResult{
		DryRun: rep.DryRun,
		Files:  files,
		Summary: PlanSummary{
			Add:         counts.Add,
			Delete:      counts.Delete,
			Update:      counts.Update,
			OrphanBlobs: len(rep.Actions.OrphanBlobs),
			BlobMissing: len(rep.Actions.BlobMissing),
			Untouched:   len(rep.Actions.Untouched),
		},
	}
}

func newSyncResult(rep *syncer.Report) SyncResult {
	result := SyncResult{
		Outcome:      rep.Outcome,
		Recorded:     rep.Recorded,
		Phases:       []PhaseSummary{},
		Errors:       []ErrorFile{},
		Verification: rep.Verification,
	}
	if rep.Execution == nil {
		return result
	}

	for _, p := range rep.Execution.Phases() {
		summary := PhaseSummary{
			Phase:   string(p.Phase),
			Planned: p.Planned,
			Applied: len(p.Applied),
			Failed:  len(p.Failed),
		}
		if p.Err != nil {
			summary.Error = p.Err.Error()
		}
		result.Phases = append(result.Phases, summary)

		for _, key := range p.FailedKeys() {
			result.Errors = append(result.Errors, ErrorFile{
				Action: string(p.Phase),
				Target: key,
				Error:  p.Failed[key].Error(),
			})
		}
	}
	return result
}

// writePlanResult writes the plan as YAML when path ends in .yaml or .yml,
// JSON otherwise.
func writePlanResult(path string, rep *syncer.Report) error {
	plan := newPlanResult(rep)

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(plan)
	default:
		data, err = json.MarshalIndent(plan, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

func writeSyncResult(path string, result SyncResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// printSummary renders the per-action counts as a table.
func printSummary(w io.Writer, rep *syncer.Report) error {
	table := tablewriter.NewTable(w)
	table.Header("Action", "Planned", "Applied", "Failed")

	counts := rep.Actions.Counts()
	planned := map[planner.Action]int{
		planner.ActionDelete: counts.Delete,
		planner.ActionAdd:    counts.Add,
		planner.ActionUpdate: counts.Update,
	}

	for _, action := range []planner.Action{planner.ActionDelete, planner.ActionAdd, planner.ActionUpdate} {
		applied, failed := "-", "-"
		if rep.Execution != nil {
			for _, p := range rep.Execution.Phases() {
				if string(p.Phase) == string(action) {
					applied = strconv.Itoa(len(p.Applied))
					failed = strconv.Itoa(len(p.Failed))
				}
			}
		}
		if err := table.Append(string(action), strconv.Itoa(planned[action]), applied, failed); err != nil {
			return err
		}
	}

	return table.Render()
}
