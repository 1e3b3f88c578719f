package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/probelabs/visor/pkg/aggregate"
	"github.com/probelabs/visor/pkg/model"
)

// renderedIssue flattens a GroupSummary's issue with its owning group and
// step attribution, visible-only (system issues hidden from every
// human-facing formatter per §7 — they still reach the json/sarif paths).
type renderedIssue struct {
	Group string
	model.Issue
}

func collectIssues(outcomes []runOutcome, includeSystem bool) []renderedIssue {
	var out []renderedIssue
	for _, oc := range outcomes {
		groups := sortedGroupNames(oc.summary.Groups)
		for _, g := range groups {
			for _, iss := range oc.summary.Groups[g].Issues {
				if iss.IsSystemIssue() && !includeSystem {
					continue
				}
				out = append(out, renderedIssue{Group: g, Issue: iss})
			}
		}
	}
	return out
}

func sortedGroupNames(groups map[string]*aggregate.GroupSummary) []string {
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

// hasUserVisibleError reports whether any non-system issue at error or
// critical severity survived routing, per §7 "exit code reflects whether
// any user-visible error remains after routing settles".
func hasUserVisibleError(outcomes []runOutcome) bool {
	for _, iss := range collectIssues(outcomes, false) {
		if iss.Severity == model.SeverityError || iss.Severity == model.SeverityCritical {
			return true
		}
	}
	return false
}

// render writes outcomes to w in the requested format. Table, markdown,
// and SARIF are minimal, functionally-complete renderings of
// ReviewSummary — the engine's own contract ends at producing
// ReviewSummary (spec.md §1 "output formatters" are an out-of-scope
// collaborator); this is just enough rendering for the CLI to be usable
// standalone.
func render(w io.Writer, format string, outcomes []runOutcome) error {
	switch format {
	case "", "table":
		return renderTable(w, outcomes)
	case "json":
		return renderJSON(w, outcomes)
	case "markdown":
		return renderMarkdown(w, outcomes)
	case "sarif":
		return renderSARIF(w, outcomes)
	default:
		return fmt.Errorf("unknown --output format %q (want table|json|markdown|sarif)", format)
	}
}

func renderTable(w io.Writer, outcomes []runOutcome) error {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tSEVERITY\tFILE\tLINE\tRULE\tMESSAGE")
	for _, iss := range collectIssues(outcomes, false) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", iss.Group, iss.Severity, iss.File, iss.Line, iss.RuleID, truncate(iss.Message, 80))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, oc := range outcomes {
		fmt.Fprintf(w, "\n%s: executed=%d skipped=%d failed=%d hops=%d\n",
			oc.event.Type, oc.summary.Stats.StepsExecuted, oc.summary.Stats.StepsSkipped,
			oc.summary.Stats.StepsFailed, oc.summary.Stats.RoutingHops)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

type jsonOutcome struct {
	Event  string                              `json:"event"`
	Groups map[string]*aggregate.GroupSummary   `json:"groups"`
	Stats  aggregate.Stats                      `json:"stats"`
}

func renderJSON(w io.Writer, outcomes []runOutcome) error {
	out := make([]jsonOutcome, 0, len(outcomes))
	for _, oc := range outcomes {
		out = append(out, jsonOutcome{Event: string(oc.event.Type), Groups: oc.summary.Groups, Stats: oc.summary.Stats})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func renderMarkdown(w io.Writer, outcomes []runOutcome) error {
	for _, oc := range outcomes {
		fmt.Fprintf(w, "## %s\n\n", oc.event.Type)
		groups := sortedGroupNames(oc.summary.Groups)
		if len(groups) == 0 {
			fmt.Fprintln(w, "_no findings_")
			continue
		}
		for _, g := range groups {
			gs := oc.summary.Groups[g]
			visible := 0
			for _, iss := range gs.Issues {
				if !iss.IsSystemIssue() {
					visible++
				}
			}
			if visible == 0 {
				continue
			}
			fmt.Fprintf(w, "### %s\n\n", g)
			for _, iss := range gs.Issues {
				if iss.IsSystemIssue() {
					continue
				}
				fmt.Fprintf(w, "- **%s** `%s:%d` %s (%s)\n", iss.Severity, iss.File, iss.Line, iss.Message, iss.RuleID)
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

// SARIF 2.1.0 minimal structure — enough to carry every issue (including
// system issues, per §7 "surfaced in JSON/SARIF") with stable rule ids.
type sarifLog struct {
	Schema  string     `json:"$schema"`
	Version string     `json:"version"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool    sarifTool     `json:"tool"`
	Results []sarifResult `json:"results"`
}

type sarifTool struct {
	Driver sarifDriver `json:"driver"`
}

type sarifDriver struct {
	Name  string   `json:"name"`
	Rules []string `json:"-"`
}

type sarifResult struct {
	RuleID  string          `json:"ruleId"`
	Level   string          `json:"level"`
	Message sarifMessage    `json:"message"`
	Locations []sarifLocation `json:"locations"`
}

type sarifMessage struct {
	Text string `json:"text"`
}

type sarifLocation struct {
	PhysicalLocation sarifPhysicalLocation `json:"physicalLocation"`
}

type sarifPhysicalLocation struct {
	ArtifactLocation sarifArtifactLocation `json:"artifactLocation"`
	Region           sarifRegion           `json:"region"`
}

type sarifArtifactLocation struct {
	URI string `json:"uri"`
}

type sarifRegion struct {
	StartLine int `json:"startLine"`
}

func sarifLevel(sev model.Severity) string {
	switch sev {
	case model.SeverityCritical, model.SeverityError:
		return "error"
	case model.SeverityWarning:
		return "warning"
	default:
		return "note"
	}
}

func renderSARIF(w io.Writer, outcomes []runOutcome) error {
	run := sarifRun{Tool: sarifTool{Driver: sarifDriver{Name: "visor"}}}
	for _, iss := range collectIssues(outcomes, true) {
		line := iss.Line
		if line <= 0 {
			line = 1
		}
		run.Results = append(run.Results, sarifResult{
			RuleID:  iss.RuleID,
			Level:   sarifLevel(iss.Severity),
			Message: sarifMessage{Text: iss.Message},
			Locations: []sarifLocation{{PhysicalLocation: sarifPhysicalLocation{
				ArtifactLocation: sarifArtifactLocation{URI: iss.File},
				Region:           sarifRegion{StartLine: line},
			}}},
		})
	}
	doc := sarifLog{Schema: "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/master/Schemata/sarif-schema-2.1.0.json", Version: "2.1.0", Runs: []sarifRun{run}}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
