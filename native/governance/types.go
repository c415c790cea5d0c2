package governance

import (
	"math/big"
	"strings"
	"time"
)

// ProposalStatus enumerates the lifecycle phases a proposal transitions
// through from submission to execution.
type ProposalStatus uint8

const (
	// ProposalStatusUnspecified indicates the proposal has not been
	// initialised and should not appear in state.
	ProposalStatusUnspecified ProposalStatus = iota
	// ProposalStatusPending is reserved for proposals scheduled ahead of
	// their voting window. Proposals submitted through Propose open voting
	// immediately and never pass through this phase.
	ProposalStatusPending
	// ProposalStatusActive identifies proposals currently accepting votes.
	ProposalStatusActive
	// ProposalStatusPassed marks proposals that cleared quorum and carried
	// the vote, awaiting execution.
	ProposalStatusPassed
	// ProposalStatusRejected marks proposals that missed quorum or lost the
	// vote.
	ProposalStatusRejected
	// ProposalStatusExecuted indicates the proposed change has been applied
	// to the program registry.
	ProposalStatusExecuted
)

// String provides a textual representation suitable for logs and APIs.
func (s ProposalStatus) String() string {
	switch s {
	case ProposalStatusPending:
		return "pending"
	case ProposalStatusActive:
		return "active"
	case ProposalStatusPassed:
		return "passed"
	case ProposalStatusRejected:
		return "rejected"
	case ProposalStatusExecuted:
		return "executed"
	default:
		return "unspecified"
	}
}

// MarshalText renders the status as its textual name so API responses and
// persisted records stay readable.
func (s ProposalStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText restores a status from its textual name.
func (s *ProposalStatus) UnmarshalText(text []byte) error {
	switch strings.TrimSpace(strings.ToLower(string(text))) {
	case "pending":
		*s = ProposalStatusPending
	case "active":
		*s = ProposalStatusActive
	case "passed":
		*s = ProposalStatusPassed
	case "rejected":
		*s = ProposalStatusRejected
	case "executed":
		*s = ProposalStatusExecuted
	default:
		*s = ProposalStatusUnspecified
	}
	return nil
}

// Terminal reports whether the status admits no further transitions.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalStatusRejected || s == ProposalStatusExecuted
}

// Proposal captures one donor-submitted program parameter change together
// with its voting window and outcome. TotalPower snapshots the outstanding
// voting power at submission so the quorum denominator stays fixed while the
// proposal is open.
type Proposal struct {
	ID         uint64         `json:"id"`
	ProgramID  string         `json:"program_id"`
	Field      string         `json:"field"`
	NewValue   *big.Int       `json:"new_value"`
	Title      string         `json:"title"`
	Summary    string         `json:"summary"`
	Proposer   string         `json:"proposer"`
	Status     ProposalStatus `json:"status"`
	TotalPower *big.Int       `json:"total_power"`
	SubmitTime time.Time      `json:"submit_time"`
	VotingEnd  time.Time      `json:"voting_end"`
	ExecutedAt time.Time      `json:"executed_at,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate persisted state.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	clone := *p
	if p.NewValue != nil {
		clone.NewValue = new(big.Int).Set(p.NewValue)
	}
	if p.TotalPower != nil {
		clone.TotalPower = new(big.Int).Set(p.TotalPower)
	}
	return &clone
}

// VoteChoice enumerates the supported ballot selections. Ballots are binary:
// quorum counts participation on either side.
type VoteChoice string

const (
	// VoteChoiceUnspecified marks an unset ballot and is never persisted.
	VoteChoiceUnspecified VoteChoice = ""
	// VoteChoiceFor signals support for the proposed change.
	VoteChoiceFor VoteChoice = "for"
	// VoteChoiceAgainst signals opposition to the proposed change.
	VoteChoiceAgainst VoteChoice = "against"
)

// ParseVoteChoice normalises free-form ballot input.
func ParseVoteChoice(raw string) (VoteChoice, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(VoteChoiceFor), "yes":
		return VoteChoiceFor, true
	case string(VoteChoiceAgainst), "no":
		return VoteChoiceAgainst, true
	default:
		return VoteChoiceUnspecified, false
	}
}

// String implements fmt.Stringer for logging and event emission.
func (c VoteChoice) String() string { return string(c) }

// Vote is one donor's current ballot on a proposal. Weight is the donor's
// voting power captured when the ballot was recorded; a re-vote overwrites
// the record wholesale so no weight is ever double-counted.
type Vote struct {
	ProposalID uint64     `json:"proposal_id"`
	Voter      string     `json:"voter"`
	Choice     VoteChoice `json:"choice"`
	Weight     *big.Int   `json:"weight"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Tally aggregates the recorded ballots for a proposal alongside the quorum
// parameters used to decide the outcome.
type Tally struct {
	VotesFor     *big.Int `json:"votes_for"`
	VotesAgainst *big.Int `json:"votes_against"`
	Turnout      *big.Int `json:"turnout"`
	QuorumNeeded *big.Int `json:"quorum_needed"`
	QuorumBps    uint64   `json:"quorum_bps"`
	TotalBallots uint64   `json:"total_ballots"`
}

// QuorumMet reports whether turnout reached the configured share of the
// proposal's snapshotted total power.
func (t *Tally) QuorumMet() bool {
	if t == nil || t.Turnout == nil || t.QuorumNeeded == nil {
		return false
	}
	return t.Turnout.Cmp(t.QuorumNeeded) >= 0
}
