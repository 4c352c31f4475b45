package scoring

import (
	"log/slog"
	"sort"
)

// AggregateResult は票の集計結果
type AggregateResult struct {
	// Deltas は TargetID ごとの純増減
	Deltas map[string]int64
	// Accepted は集計に含めた票数
	Accepted int
	// Rejected は不正な Polarity により除外した票数
	Rejected int
}

// EntityIDs は Deltas のキーを昇順で返す
func (r *AggregateResult) EntityIDs() []string {
	ids := make([]string, 0, len(r.Deltas))
	for id := range r.Deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Aggregate は票を TargetID ごとに集計する
// POSITIVE は +1、NEGATIVE は -1。未知の Polarity はエラーログを出して除外する
func Aggregate(votes []Vote, logger *slog.Logger) *AggregateResult {
	if logger == nil {
		logger = slog.Default()
	}

	result := &AggregateResult{Deltas: make(map[string]int64)}
	for _, vote := range votes {
		var weight int64
		err := vote.PolarityErr
		if err == nil {
			weight, err = vote.Polarity.Weight()
		}
		if err != nil {
			logger.Error("不正な投票方向のため集計から除外",
				"voteID", vote.ID,
				"targetType", vote.TargetType,
				"targetID", vote.TargetID,
				"polarity", string(vote.Polarity),
				"error", err,
			)
			result.Rejected++
			continue
		}
		result.Deltas[vote.TargetID] += weight
		result.Accepted++
	}

	return result
}
