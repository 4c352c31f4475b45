package scoring

// State はスコアリングジョブの状態
type State int

const (
	StateIdle State = iota
	StateReadingCheckpoint
	StateReadingVotes
	StateAggregating
	StateUpdatingScores
	StateRecordingCheckpoint
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:                "Idle",
	StateReadingCheckpoint:   "ReadingCheckpoint",
	StateReadingVotes:        "ReadingVotes",
	StateAggregating:         "Aggregating",
	StateUpdatingScores:      "UpdatingScores",
	StateRecordingCheckpoint: "RecordingCheckpoint",
	StateFailed:              "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// next は正常系の遷移先
var next = map[State]State{
	StateIdle:                StateReadingCheckpoint,
	StateReadingCheckpoint:   StateReadingVotes,
	StateReadingVotes:        StateAggregating,
	StateAggregating:         StateUpdatingScores,
	StateUpdatingScores:      StateRecordingCheckpoint,
	StateRecordingCheckpoint: StateIdle,
}

// canTransition は from から to への遷移が許可されているかを返す
// Failed はどの実行中状態からも到達でき、Failed からは新しい実行のみ開始できる
func canTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateIdle && from != StateFailed
	}
	if from == StateFailed {
		return to == StateReadingCheckpoint
	}
	return next[from] == to
}

// Running は実行中の状態かどうかを返す
func (s State) Running() bool {
	return s != StateIdle && s != StateFailed
}
