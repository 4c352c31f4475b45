package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
)

const timeLayout = "2006-01-02 15:04:05"

// parseJobType はジョブ種別名を解釈する
// 正式名のほか、対象種別名（justification 等）も受け付ける
func parseJobType(s string) (scoring.JobType, error) {
	name := strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(s, "-", "_")))
	for _, scorer := range scoring.DefaultScorers() {
		if name == string(scorer.JobType) || name == string(scorer.TargetType) {
			return scorer.JobType, nil
		}
	}
	return "", fmt.Errorf("%w: %q", scoring.ErrUnknownJobType, s)
}

// parseTargetType は対象種別名を解釈する
func parseTargetType(s string) (scoring.TargetType, error) {
	t := scoring.TargetType(strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))))
	if !t.Valid() {
		return "", fmt.Errorf("未知の対象種別です: %q", s)
	}
	return t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

// renderRunReports は実行結果を表形式で出力します
func renderRunReports(w io.Writer, reports []*scoring.RunReport) {
	table := tablewriter.NewWriter(w)
	table.Header("Job Type", "Result", "Since", "Checkpoint", "Votes", "Rejected", "Entities", "Duration")

	for _, r := range reports {
		if r == nil {
			continue
		}
		result := "ok"
		switch {
		case r.Err != nil:
			result = "failed"
		case r.DryRun:
			result = "dry-run"
		}
		table.Append(
			string(r.JobType),
			result,
			formatTime(r.Since),
			formatTime(r.CheckpointAt),
			fmt.Sprintf("%d", r.VoteCount),
			fmt.Sprintf("%d", r.RejectedVotes),
			fmt.Sprintf("%d", r.EntityCount),
			r.Duration().Round(time.Millisecond).String(),
		)
	}

	table.Render()
}

// renderDeltas はドライランで適用されるはずだった差分を出力します
func renderDeltas(w io.Writer, reports []*scoring.RunReport) {
	table := tablewriter.NewWriter(w)
	table.Header("Job Type", "Entity", "Delta")

	for _, r := range reports {
		if r == nil {
			continue
		}
		ids := make([]string, 0, len(r.Deltas))
		for id := range r.Deltas {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			table.Append(string(r.JobType), id, fmt.Sprintf("%+d", r.Deltas[id]))
		}
	}

	table.Render()
}

// renderScores はスコア一覧を出力します
func renderScores(w io.Writer, scores []*scoring.Score) {
	table := tablewriter.NewWriter(w)
	table.Header("Target Type", "Entity", "Score Type", "Value", "Updated At")

	for _, s := range scores {
		table.Append(
			string(s.TargetType),
			s.EntityID,
			string(s.ScoreType),
			fmt.Sprintf("%d", s.Value),
			formatTime(s.UpdatedAt),
		)
	}

	table.Render()
}

// renderCheckpoints はチェックポイント一覧を出力します
func renderCheckpoints(w io.Writer, checkpoints []*scoring.Checkpoint) {
	table := tablewriter.NewWriter(w)
	table.Header("Job Type", "Completed At", "Run ID")

	for _, cp := range checkpoints {
		runID := "-"
		if cp.RunID != nil {
			runID = cp.RunID.String()
		}
		table.Append(string(cp.JobType), formatTime(cp.CompletedAt), runID)
	}

	table.Render()
}

// renderRuns は実行履歴を出力します
func renderRuns(w io.Writer, runs []*scoring.JobRun) {
	table := tablewriter.NewWriter(w)
	table.Header("Run ID", "Job Type", "Status", "Started At", "Completed At", "Votes", "Rejected", "Entities", "Message")

	for _, r := range runs {
		table.Append(
			r.ID.String(),
			string(r.JobType),
			string(r.Status),
			formatTime(r.StartedAt),
			formatTimePtr(r.CompletedAt),
			fmt.Sprintf("%d", r.VoteCount),
			fmt.Sprintf("%d", r.RejectedVotes),
			fmt.Sprintf("%d", r.EntityCount),
			truncateString(r.Message, 60),
		)
	}

	table.Render()
}

// truncateString は文字列を指定長で切り詰めます
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
