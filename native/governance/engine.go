package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"reliefchain/core/events"
	"reliefchain/core/types"
	"reliefchain/native/common"
	"reliefchain/native/registry"
)

const (
	// EventTypeProposalProposed is emitted when a new proposal opens voting.
	EventTypeProposalProposed = "gov.proposed"
	// EventTypeVoteCast is emitted when a donor records or replaces a ballot.
	EventTypeVoteCast = "gov.vote"
	// EventTypeProposalFinalized is emitted when the outcome is determined.
	EventTypeProposalFinalized = "gov.finalized"
	// EventTypeProposalExecuted marks proposals whose change has been applied
	// to the program registry.
	EventTypeProposalExecuted = "gov.executed"
)

var (
	// ErrProposalNotFound marks lookups for unknown proposal identifiers.
	ErrProposalNotFound = errors.New("governance: proposal not found")
	// ErrProposalNotActive rejects votes on proposals outside their voting
	// window.
	ErrProposalNotActive = errors.New("governance: proposal not active")
	// ErrNoVotingPower rejects proposals and votes from accounts that have
	// not donated.
	ErrNoVotingPower = errors.New("governance: no voting power")
	// ErrNotPassed rejects execution of proposals that are not in the Passed
	// state.
	ErrNotPassed = errors.New("governance: proposal not passed")

	errStateNotConfigured = errors.New("governance: state not configured")
)

const (
	proposalPrefix  = "gov/proposal/"
	votePrefix      = "gov/vote/"
	proposalSeqName = "gov/proposal"
)

// proposalState is the narrow persistence surface the engine depends on.
type proposalState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVIterate(prefix []byte, fn func(key, value []byte) error) error
	NextSequence(name string) (uint64, error)
}

// votingPowerSource resolves donor voting power. The registry satisfies it.
type votingPowerSource interface {
	DonorPower(address string) (*big.Int, error)
	TotalVotingPower() (*big.Int, error)
}

// programDirectory is the slice of registry behaviour execution needs.
type programDirectory interface {
	GetProgram(id string) (*registry.Program, bool, error)
	ApplyFieldChange(programID, field string, newValue *big.Int, origin string) error
}

// ProposalPolicy captures the runtime knobs controlling proposal admission
// and tallying.
type ProposalPolicy struct {
	// VotingPeriod is how long a proposal accepts votes (default 72 hours).
	VotingPeriod time.Duration
	// QuorumBps is the share of snapshotted total voting power, in basis
	// points, that must participate for the vote to bind (default 2000).
	QuorumBps uint64
	// AllowedFields restricts which program fields proposals may target.
	// Empty means the registry's governable field set.
	AllowedFields []string
}

// Engine orchestrates proposal admission, ballots, tallying, and execution.
// Proposals open voting immediately on submission; outcomes settle either
// through the scheduled TallyDue sweep or lazily on the first read past the
// deadline.
type Engine struct {
	state         proposalState
	power         votingPowerSource
	directory     programDirectory
	locks         *common.LockTable
	emitter       events.Emitter
	nowFn         func() time.Time
	votingPeriod  time.Duration
	quorumBps     uint64
	allowedFields map[string]struct{}
}

// NewEngine constructs a governance engine with default no-op dependencies
// and the default proposal policy.
func NewEngine() *Engine {
	e := &Engine{
		locks:   common.NewLockTable(0),
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
	e.SetPolicy(ProposalPolicy{})
	return e
}

// SetState wires the engine to the persistence backend.
func (e *Engine) SetState(state proposalState) { e.state = state }

// SetPowerSource wires the donor voting-power resolver.
func (e *Engine) SetPowerSource(power votingPowerSource) { e.power = power }

// SetDirectory wires the program registry execution writes through.
func (e *Engine) SetDirectory(directory programDirectory) { e.directory = directory }

// SetLockTable shares an externally owned lock table. Ballots and settlement
// for a proposal serialise on its "proposal/<id>" key, so a vote can never
// land after the outcome is recorded.
func (e *Engine) SetLockTable(locks *common.LockTable) {
	if locks == nil {
		return
	}
	e.locks = locks
}

func (e *Engine) lockProposal(id uint64) (func(), error) {
	return e.locks.Acquire("proposal/" + strconv.FormatUint(id, 10))
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock. Nil restores the UTC default.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// SetPolicy updates the runtime policy. Zero values fall back to defaults.
func (e *Engine) SetPolicy(policy ProposalPolicy) {
	if e == nil {
		return
	}
	e.votingPeriod = policy.VotingPeriod
	if e.votingPeriod <= 0 {
		e.votingPeriod = 72 * time.Hour
	}
	e.quorumBps = policy.QuorumBps
	if e.quorumBps == 0 {
		e.quorumBps = 2000
	}
	fields := policy.AllowedFields
	if len(fields) == 0 {
		fields = []string{registry.FieldDailyLimit, registry.FieldPerHouseholdAllocation, registry.FieldTotalBudget}
	}
	e.allowedFields = make(map[string]struct{}, len(fields))
	for _, raw := range fields {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		e.allowedFields[trimmed] = struct{}{}
	}
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now().UTC()
	}
	return e.nowFn()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(governanceEvent{evt: event})
}

func proposalKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", proposalPrefix, id))
}

func voteKey(proposalID uint64, voter string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", votePrefix, proposalID, voter))
}

// Propose admits a program parameter change proposal and opens it for voting
// immediately. The proposer must hold voting power, the target program must
// exist, and the field must be on the governable allow-list.
func (e *Engine) Propose(proposer, programID, field string, newValue *big.Int, title, summary string) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	proposer = strings.TrimSpace(proposer)
	if proposer == "" {
		return nil, fmt.Errorf("governance: proposer required")
	}
	fieldName := strings.TrimSpace(field)
	if _, ok := e.allowedFields[fieldName]; !ok {
		return nil, fmt.Errorf("governance: field %q not governable", field)
	}
	if newValue == nil || newValue.Sign() < 0 {
		return nil, fmt.Errorf("governance: proposed value must not be negative")
	}
	if e.directory != nil {
		if _, ok, err := e.directory.GetProgram(programID); err != nil {
			return nil, err
		} else if !ok {
			return nil, registry.ErrProgramNotFound
		}
	}
	if e.power == nil {
		return nil, fmt.Errorf("governance: power source not configured")
	}
	power, err := e.power.DonorPower(proposer)
	if err != nil {
		return nil, err
	}
	if power == nil || power.Sign() <= 0 {
		return nil, ErrNoVotingPower
	}
	totalPower, err := e.power.TotalVotingPower()
	if err != nil {
		return nil, err
	}
	if totalPower == nil {
		totalPower = big.NewInt(0)
	}

	id, err := e.state.NextSequence(proposalSeqName)
	if err != nil {
		return nil, err
	}
	now := e.now()
	proposal := &Proposal{
		ID:         id,
		ProgramID:  strings.TrimSpace(programID),
		Field:      fieldName,
		NewValue:   new(big.Int).Set(newValue),
		Title:      strings.TrimSpace(title),
		Summary:    strings.TrimSpace(summary),
		Proposer:   proposer,
		Status:     ProposalStatusActive,
		TotalPower: new(big.Int).Set(totalPower),
		SubmitTime: now,
		VotingEnd:  now.Add(e.votingPeriod),
	}
	if err := e.state.KVPut(proposalKey(id), proposal); err != nil {
		return nil, err
	}

	e.emit(newProposedEvent(proposal))
	return proposal.Clone(), nil
}

// Vote records the donor's ballot on an active proposal. The donor's current
// voting power is captured as the ballot weight, and a repeat vote replaces
// the earlier ballot entirely.
func (e *Engine) Vote(proposalID uint64, voter string, choice VoteChoice) error {
	if e == nil || e.state == nil {
		return errStateNotConfigured
	}
	voter = strings.TrimSpace(voter)
	if voter == "" {
		return fmt.Errorf("governance: voter required")
	}
	if choice != VoteChoiceFor && choice != VoteChoiceAgainst {
		return fmt.Errorf("governance: invalid vote choice %q", choice)
	}

	release, err := e.lockProposal(proposalID)
	if err != nil {
		return err
	}
	defer release()

	proposal, err := e.loadSettled(proposalID)
	if err != nil {
		return err
	}
	now := e.now()
	if proposal.Status != ProposalStatusActive || now.After(proposal.VotingEnd) {
		return ErrProposalNotActive
	}
	if e.power == nil {
		return fmt.Errorf("governance: power source not configured")
	}
	power, err := e.power.DonorPower(voter)
	if err != nil {
		return err
	}
	if power == nil || power.Sign() <= 0 {
		return ErrNoVotingPower
	}

	vote := &Vote{
		ProposalID: proposalID,
		Voter:      voter,
		Choice:     choice,
		Weight:     new(big.Int).Set(power),
		Timestamp:  now,
	}
	if err := e.state.KVPut(voteKey(proposalID, voter), vote); err != nil {
		return err
	}

	e.emit(newVoteEvent(vote))
	return nil
}

// GetProposal returns the proposal, settling the outcome first when the
// voting deadline has passed.
func (e *Engine) GetProposal(id uint64) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	release, err := e.lockProposal(id)
	if err != nil {
		return nil, err
	}
	defer release()
	proposal, err := e.loadSettled(id)
	if err != nil {
		return nil, err
	}
	return proposal.Clone(), nil
}

// ListProposals returns all proposals ordered by identifier, settling any
// whose deadline has passed.
func (e *Engine) ListProposals() ([]*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	ids := make([]uint64, 0)
	err := e.state.KVIterate([]byte(proposalPrefix), func(key, _ []byte) error {
		raw := strings.TrimPrefix(string(key), proposalPrefix)
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Proposal, 0, len(ids))
	for _, id := range ids {
		release, err := e.lockProposal(id)
		if err != nil {
			return nil, err
		}
		proposal, err := e.loadSettled(id)
		release()
		if err != nil {
			return nil, err
		}
		out = append(out, proposal.Clone())
	}
	return out, nil
}

// TallyProposal returns the current ballot aggregation. The proposal settles
// first when its deadline has passed, so the returned tally matches the
// recorded outcome for closed proposals.
func (e *Engine) TallyProposal(id uint64) (*Tally, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	release, err := e.lockProposal(id)
	if err != nil {
		return nil, err
	}
	defer release()
	proposal, err := e.loadSettled(id)
	if err != nil {
		return nil, err
	}
	return e.tally(proposal)
}

// Execute applies a passed proposal's change through the program registry
// and transitions it to Executed. Executing an already-executed proposal is
// a no-op so retries stay safe.
func (e *Engine) Execute(id uint64) error {
	if e == nil || e.state == nil {
		return errStateNotConfigured
	}
	release, err := e.lockProposal(id)
	if err != nil {
		return err
	}
	defer release()
	proposal, err := e.loadSettled(id)
	if err != nil {
		return err
	}
	if proposal.Status == ProposalStatusExecuted {
		return nil
	}
	if proposal.Status != ProposalStatusPassed {
		return fmt.Errorf("%w: proposal %d is %s", ErrNotPassed, id, proposal.Status)
	}
	if e.directory == nil {
		return fmt.Errorf("governance: directory not configured")
	}
	if err := e.directory.ApplyFieldChange(proposal.ProgramID, proposal.Field, proposal.NewValue, "governance"); err != nil {
		return err
	}
	proposal.Status = ProposalStatusExecuted
	proposal.ExecutedAt = e.now()
	if err := e.state.KVPut(proposalKey(id), proposal); err != nil {
		return err
	}

	e.emit(newExecutedEvent(proposal))
	return nil
}

// TallyDue settles every active proposal whose voting deadline has passed.
// Cancellation is honoured between proposals.
func (e *Engine) TallyDue(ctx context.Context) (int, error) {
	if e == nil || e.state == nil {
		return 0, errStateNotConfigured
	}
	ids := make([]uint64, 0)
	err := e.state.KVIterate([]byte(proposalPrefix), func(key, _ []byte) error {
		raw := strings.TrimPrefix(string(key), proposalPrefix)
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return settled, ctx.Err()
		default:
		}
		changed, err := e.settleOne(id)
		if errors.Is(err, common.ErrBusy) {
			// A contended proposal settles on its next read or sweep.
			continue
		}
		if err != nil {
			return settled, err
		}
		if changed {
			settled++
		}
	}
	return settled, nil
}

func (e *Engine) settleOne(id uint64) (bool, error) {
	release, err := e.lockProposal(id)
	if err != nil {
		return false, err
	}
	defer release()
	var proposal Proposal
	ok, err := e.state.KVGet(proposalKey(id), &proposal)
	if err != nil {
		return false, err
	}
	if !ok || proposal.Status != ProposalStatusActive {
		return false, nil
	}
	return e.settle(&proposal)
}

// loadSettled fetches the proposal and finalizes it when the voting window
// has closed.
func (e *Engine) loadSettled(id uint64) (*Proposal, error) {
	var proposal Proposal
	ok, err := e.state.KVGet(proposalKey(id), &proposal)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrProposalNotFound, id)
	}
	if _, err := e.settle(&proposal); err != nil {
		return nil, err
	}
	return &proposal, nil
}

// settle finalizes an active proposal whose deadline has passed. It reports
// whether the stored status changed.
func (e *Engine) settle(proposal *Proposal) (bool, error) {
	if proposal.Status != ProposalStatusActive {
		return false, nil
	}
	if !e.now().After(proposal.VotingEnd) {
		return false, nil
	}
	tally, err := e.tally(proposal)
	if err != nil {
		return false, err
	}

	status := ProposalStatusRejected
	if tally.QuorumMet() && tally.VotesFor.Cmp(tally.VotesAgainst) > 0 {
		status = ProposalStatusPassed
	}
	proposal.Status = status
	if err := e.state.KVPut(proposalKey(proposal.ID), proposal); err != nil {
		return false, err
	}

	e.emit(newFinalizedEvent(proposal, tally))
	return true, nil
}

// tally aggregates the stored ballots for the proposal.
func (e *Engine) tally(proposal *Proposal) (*Tally, error) {
	votesFor := big.NewInt(0)
	votesAgainst := big.NewInt(0)
	ballots := uint64(0)
	prefix := []byte(fmt.Sprintf("%s%020d/", votePrefix, proposal.ID))
	err := e.state.KVIterate(prefix, func(_, value []byte) error {
		var vote Vote
		if err := json.Unmarshal(value, &vote); err != nil {
			return fmt.Errorf("governance: decode vote: %w", err)
		}
		if vote.Weight == nil {
			return nil
		}
		switch vote.Choice {
		case VoteChoiceFor:
			votesFor.Add(votesFor, vote.Weight)
		case VoteChoiceAgainst:
			votesAgainst.Add(votesAgainst, vote.Weight)
		default:
			return fmt.Errorf("governance: invalid stored vote choice %q", vote.Choice)
		}
		ballots++
		return nil
	})
	if err != nil {
		return nil, err
	}

	turnout := new(big.Int).Add(votesFor, votesAgainst)
	totalPower := proposal.TotalPower
	if totalPower == nil {
		totalPower = big.NewInt(0)
	}
	needed := new(big.Int).Mul(totalPower, new(big.Int).SetUint64(e.quorumBps))
	needed.Div(needed, big.NewInt(10_000))
	return &Tally{
		VotesFor:     votesFor,
		VotesAgainst: votesAgainst,
		Turnout:      turnout,
		QuorumNeeded: needed,
		QuorumBps:    e.quorumBps,
		TotalBallots: ballots,
	}, nil
}
