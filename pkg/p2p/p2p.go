// Package p2p implements an optional, advisory-only gossip overlay between
// coordinators. It exists so a federation of coordinators can exchange peer
// presence and propose job assignments across clusters; no consensus
// protocol is implemented, and decisions here never commit fabric state on
// their own.
package p2p

import (
	"sync"
	"time"
)

// PeerStatus tracks the coordinator peer's last-known liveness.
type PeerStatus string

const (
	PeerHealthy PeerStatus = "healthy"
	PeerStale   PeerStatus = "stale"
)

// PeerNode describes a remote coordinator participating in the overlay.
type PeerNode struct {
	ID         string
	Endpoint   string
	Region     string
	Role       string
	TrustScore float64
	Load       float64
	ModelCache []string
	Status     PeerStatus
	LastSeen   time.Time
}

// GossipEnvelope wraps a single gossiped message. Kind discriminates the
// payload shape; payloads are opaque to the overlay itself.
type GossipEnvelope struct {
	FromPeer string
	Seq      uint64
	Kind     string
	Payload  any
}

// JobAssignmentProposal is broadcast when a coordinator wants peers to know
// it is considering assigning a job, so peers can avoid double-booking a
// shared node pool. It carries no authority: receiving coordinators are
// free to ignore it.
type JobAssignmentProposal struct {
	JobID     string
	NodeID    string
	ProposerID string
	ProposedAt time.Time
}

// JobConsensusDecision is the advisory outcome a coordinator reaches after
// collecting peer proposals for the same job. It is informational only.
type JobConsensusDecision struct {
	JobID     string
	WinnerID  string
	Proposals int
	DecidedAt time.Time
}

// Overlay tracks known peers and records the gossip envelopes they send; it
// does not forward envelopes to other peers. It holds no fabric state and makes no scheduling decisions; the coordinator
// consults it only as an advisory signal.
type Overlay struct {
	selfID string

	mu        sync.Mutex
	peers     map[string]PeerNode
	seq       uint64
	proposals map[string][]JobAssignmentProposal
	staleAfter time.Duration
	now       func() time.Time
}

// New builds an Overlay for the coordinator identified by selfID.
func New(selfID string, staleAfter time.Duration) *Overlay {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	return &Overlay{
		selfID:     selfID,
		peers:      make(map[string]PeerNode),
		proposals:  make(map[string][]JobAssignmentProposal),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// RegisterPeer adds or updates a peer's advertised identity.
func (o *Overlay) RegisterPeer(p PeerNode) PeerNode {
	o.mu.Lock()
	defer o.mu.Unlock()
	p.Status = PeerHealthy
	p.LastSeen = o.now().UTC()
	o.peers[p.ID] = p
	return p
}

// Heartbeat refreshes a peer's liveness and load/cache signals.
func (o *Overlay) Heartbeat(id string, load float64, modelCache []string) (PeerNode, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.peers[id]
	if !ok {
		return PeerNode{}, false
	}
	p.Load = load
	p.ModelCache = modelCache
	p.Status = PeerHealthy
	p.LastSeen = o.now().UTC()
	o.peers[id] = p
	return p, true
}

// Peers returns a snapshot of all known peers, marking any that haven't
// heartbeat recently as stale.
func (o *Overlay) Peers() []PeerNode {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	out := make([]PeerNode, 0, len(o.peers))
	for id, p := range o.peers {
		if now.Sub(p.LastSeen) > o.staleAfter {
			p.Status = PeerStale
			o.peers[id] = p
		}
		out = append(out, p)
	}
	return out
}

// NextSeq returns the next outbound gossip sequence number for this peer.
func (o *Overlay) NextSeq() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	return o.seq
}

// Gossip records an inbound envelope. Job assignment proposals are
// accumulated per job so a later Decide call can tally them; all other
// kinds are accepted but otherwise unprocessed by the overlay itself.
func (o *Overlay) Gossip(env GossipEnvelope) {
	if env.Kind != "job_assignment_proposal" {
		return
	}
	proposal, ok := env.Payload.(JobAssignmentProposal)
	if !ok {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.proposals[proposal.JobID] = append(o.proposals[proposal.JobID], proposal)
}

// Decide tallies proposals received for jobID and returns the
// most-proposed node as an advisory decision. ok is false if no proposals
// were ever received for the job.
func (o *Overlay) Decide(jobID string) (JobConsensusDecision, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	proposals := o.proposals[jobID]
	if len(proposals) == 0 {
		return JobConsensusDecision{}, false
	}

	counts := make(map[string]int)
	for _, p := range proposals {
		counts[p.NodeID]++
	}
	var winner string
	var winnerCount int
	for nodeID, count := range counts {
		if count > winnerCount {
			winner, winnerCount = nodeID, count
		}
	}

	return JobConsensusDecision{
		JobID: jobID, WinnerID: winner, Proposals: len(proposals), DecidedAt: o.now().UTC(),
	}, true
}
