package wire

// Reason codes a bank may attach to a NO vote.
const (
	ReasonNoPostings     = "NO_POSTINGS"
	ReasonNoSuchAsset    = "NO_SUCH_ASSET"
	ReasonNoSuchAccount  = "NO_SUCH_ACCOUNT"
	ReasonUnbalancedTX   = "UNBALANCED_TX"
	ReasonCommitTXFailed = "COMMIT_TX_FAILED"
)

// Vote is a bank's answer to a proposed transaction. Reasons are present
// exactly when the vote is NO.
type Vote struct {
	Vote    string       `json:"vote"`
	Reasons []VoteReason `json:"reasons,omitempty"`
}

type VoteReason struct {
	Reason  string   `json:"reason"`
	Posting *Posting `json:"posting,omitempty"`
}

func VoteYes() Vote {
	return Vote{Vote: "YES"}
}

func VoteNo(reason string, posting *Posting) Vote {
	return Vote{Vote: "NO", Reasons: []VoteReason{{Reason: reason, Posting: posting}}}
}

func (v Vote) Yes() bool {
	return v.Vote == "YES"
}
