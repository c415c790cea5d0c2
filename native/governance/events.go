package governance

import (
	"strconv"

	"reliefchain/core/types"
)

type governanceEvent struct {
	evt *types.Event
}

func (g governanceEvent) EventType() string {
	if g.evt == nil {
		return ""
	}
	return g.evt.Type
}

func (g governanceEvent) Event() *types.Event { return g.evt }

func newProposedEvent(p *Proposal) *types.Event {
	if p == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypeProposalProposed,
		Attributes: map[string]string{
			"id":        strconv.FormatUint(p.ID, 10),
			"program":   p.ProgramID,
			"field":     p.Field,
			"value":     p.NewValue.String(),
			"proposer":  p.Proposer,
			"votingEnd": p.VotingEnd.UTC().Format("2006-01-02T15:04:05Z"),
		},
	}
}

func newVoteEvent(v *Vote) *types.Event {
	if v == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypeVoteCast,
		Attributes: map[string]string{
			"id":     strconv.FormatUint(v.ProposalID, 10),
			"voter":  v.Voter,
			"choice": v.Choice.String(),
			"weight": v.Weight.String(),
		},
	}
}

func newFinalizedEvent(p *Proposal, tally *Tally) *types.Event {
	if p == nil {
		return nil
	}
	attrs := map[string]string{
		"id":     strconv.FormatUint(p.ID, 10),
		"status": p.Status.String(),
	}
	if tally != nil {
		attrs["for"] = tally.VotesFor.String()
		attrs["against"] = tally.VotesAgainst.String()
		attrs["turnout"] = tally.Turnout.String()
		attrs["quorumNeeded"] = tally.QuorumNeeded.String()
	}
	return &types.Event{Type: EventTypeProposalFinalized, Attributes: attrs}
}

func newExecutedEvent(p *Proposal) *types.Event {
	if p == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypeProposalExecuted,
		Attributes: map[string]string{
			"id":      strconv.FormatUint(p.ID, 10),
			"program": p.ProgramID,
			"field":   p.Field,
			"value":   p.NewValue.String(),
		},
	}
}
