// Package consensus implements the dBFT state machine core (§3, §4.2–§4.7):
// the in-memory round context, the validator registry adapter, the
// round timer, the phase transitions, the recovery protocol and the block
// assembler.
//
// Grounded on the shape of _examples/original_source's
// include/neo/consensus/consensus_context.h (one Context per in-flight
// round, reset on commit or view change) and on the teacher's
// consensus/bft package (VotePool-style per-target collection with
// equivocation detection via a voted-target map).
package consensus

import (
	"encoding/binary"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/tos-network/dbft/crypto"
	"github.com/tos-network/dbft/internal/merkle"
	"github.com/tos-network/dbft/internal/wire"
	"github.com/tos-network/dbft/ports"
	"github.com/tos-network/dbft/types"
)

// Phase is the state machine's current position within a round (§4.5).
type Phase uint8

const (
	PhaseInitial Phase = iota
	PhasePrimary
	PhaseBackup
	PhaseRequestSent
	PhaseRequestReceived
	PhaseResponseSent
	PhaseCommitSent
	PhaseBlockSent
	PhaseViewChanging
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "Initial"
	case PhasePrimary:
		return "Primary"
	case PhaseBackup:
		return "Backup"
	case PhaseRequestSent:
		return "RequestSent"
	case PhaseRequestReceived:
		return "RequestReceived"
	case PhaseResponseSent:
		return "ResponseSent"
	case PhaseCommitSent:
		return "CommitSent"
	case PhaseBlockSent:
		return "BlockSent"
	case PhaseViewChanging:
		return "ViewChanging"
	default:
		return "Unknown"
	}
}

// changeViewEntry is the highest change-view request seen from a validator
// in the current round (§3 "change_view_requests").
type changeViewEntry struct {
	NewView   uint8
	Timestamp uint64
	Reason    wire.ChangeViewReason
}

// roundID identifies a round for per-validator last-seen tracking.
type roundID struct {
	Height uint32
	View   uint8
}

// Context is the pure in-memory state of the current (height, view) round
// (§3). Mutations are only legal through its accessor methods; it performs
// no I/O itself.
type Context struct {
	Height uint32
	View   uint8

	Validators []types.PublicKey
	MyIndex    int // -1 if this node is not a validator for Height

	HeaderDraft ports.BlockHeader

	TxHashes     []types.Hash256
	Transactions map[types.Hash256]ports.Transaction

	preparations map[uint8]wire.Message // PrepareRequestPayload (primary) or PrepareResponsePayload (backup)
	commits      map[uint8][64]byte
	commitScripts map[uint8][]byte
	changeViews  map[uint8]changeViewEntry
	lastSeen     map[uint8]roundID
	faulty       mapset.Set // set of uint8 validator indices marked equivocating this round

	Phase         Phase
	RoundDeadline time.Time

	// cachedBlockHash memoizes BlockHash() once the PrepareRequest is
	// known and TxHashes can't change underneath it within a round.
	cachedBlockHash   *types.Hash256
	cachedPrepHash    *types.Hash256
}

// NewContext creates a context for the node's very first round, with the
// validator set and index supplied by the caller (typically via Registry).
func NewContext(height uint32, validators []types.PublicKey, myIndex int) *Context {
	c := &Context{}
	c.Reset(height, validators, myIndex)
	return c
}

// N is the total number of validators for this round.
func (c *Context) N() int { return len(c.Validators) }

// F is the maximum tolerated Byzantine count: floor((n-1)/3).
func (c *Context) F() int { return (c.N() - 1) / 3 }

// M is the quorum size: n - f = 2f + 1.
func (c *Context) M() int { return c.N() - c.F() }

// PrimaryIndex returns the primary validator index for the given view:
// (height + view) mod n (§3 "Round identity").
func (c *Context) PrimaryIndex(view uint8) uint8 {
	if c.N() == 0 {
		return 0
	}
	return uint8((uint64(c.Height) + uint64(view)) % uint64(c.N()))
}

// IsValidator reports whether this node holds a seat in the current round.
func (c *Context) IsValidator() bool { return c.MyIndex >= 0 && c.MyIndex < c.N() }

// IsPrimary reports whether this node is the primary of the current view.
func (c *Context) IsPrimary() bool {
	return c.IsValidator() && uint8(c.MyIndex) == c.PrimaryIndex(c.View)
}

// IsBackup reports whether this node is a non-primary validator.
func (c *Context) IsBackup() bool { return c.IsValidator() && !c.IsPrimary() }

// Reset clears all per-round collections, recomputes the validator set and
// my_index, sets view=0 and computes primary_index (§4.2 "reset").
func (c *Context) Reset(newHeight uint32, validators []types.PublicKey, myIndex int) {
	c.Height = newHeight
	c.View = 0
	c.Validators = validators
	c.MyIndex = myIndex
	c.HeaderDraft = ports.BlockHeader{Index: newHeight, PrimaryIndex: c.PrimaryIndex(0)}
	c.TxHashes = nil
	c.Transactions = make(map[types.Hash256]ports.Transaction)
	c.preparations = make(map[uint8]wire.Message)
	c.commits = make(map[uint8][64]byte)
	c.commitScripts = make(map[uint8][]byte)
	c.changeViews = make(map[uint8]changeViewEntry)
	if c.lastSeen == nil {
		c.lastSeen = make(map[uint8]roundID)
	}
	c.faulty = mapset.NewSet()
	c.cachedBlockHash = nil
	c.cachedPrepHash = nil
	if c.IsValidator() {
		if c.IsPrimary() {
			c.Phase = PhasePrimary
		} else {
			c.Phase = PhaseBackup
		}
	} else {
		c.Phase = PhaseInitial
	}
}

// ResetForView preserves height, clears preparations/commits/change-views,
// recomputes primary_index and advances the round (§4.2 "reset_for_view").
func (c *Context) ResetForView(newView uint8) {
	c.View = newView
	c.HeaderDraft.PrimaryIndex = c.PrimaryIndex(newView)
	c.TxHashes = nil
	c.Transactions = make(map[types.Hash256]ports.Transaction)
	c.preparations = make(map[uint8]wire.Message)
	c.commits = make(map[uint8][64]byte)
	c.commitScripts = make(map[uint8][]byte)
	c.changeViews = make(map[uint8]changeViewEntry)
	c.faulty = mapset.NewSet()
	c.cachedBlockHash = nil
	c.cachedPrepHash = nil
	if c.IsValidator() {
		if c.IsPrimary() {
			c.Phase = PhasePrimary
		} else {
			c.Phase = PhaseBackup
		}
	} else {
		c.Phase = PhaseInitial
	}
}

// MarkFaulty excludes index from further acceptance this round (§3
// equivocation invariant: "further messages from it in this round are
// ignored, not re-processed").
func (c *Context) MarkFaulty(index uint8) { c.faulty.Add(index) }

// IsFaulty reports whether index has been marked faulty for this round.
func (c *Context) IsFaulty(index uint8) bool { return c.faulty.Contains(index) }

// Preparation returns the stored preparation for index, if any.
func (c *Context) Preparation(index uint8) (wire.Message, bool) {
	m, ok := c.preparations[index]
	return m, ok
}

// PreparationCount returns how many distinct validators have a preparation
// recorded this round.
func (c *Context) PreparationCount() int { return len(c.preparations) }

// AcceptPreparation stores a PrepareRequest (from the primary) or
// PrepareResponse (from a backup) for index, enforcing §3's invariants:
// at most one preparation per validator per view, the primary's entry
// must be a PrepareRequest, and others must reference its payload hash.
// A second, different preparation from the same validator is equivocation
// (§4.5 "Equivocation and malice").
func (c *Context) AcceptPreparation(index uint8, msg wire.Message) (quorumReached bool, err error) {
	if c.IsFaulty(index) {
		return false, fmt.Errorf("%w: validator %d already marked faulty", ErrEquivocation, index)
	}
	isPrimarySlot := index == c.PrimaryIndex(c.View)

	switch m := msg.(type) {
	case *wire.PrepareRequestPayload:
		if !isPrimarySlot {
			return false, ErrUnexpectedPrimary
		}
	case *wire.PrepareResponsePayload:
		if isPrimarySlot {
			return false, fmt.Errorf("%w: primary must send PrepareRequest, not PrepareResponse", ErrMalformedPayload)
		}
		if prep, ok := c.preparations[c.PrimaryIndex(c.View)]; ok {
			req := prep.(*wire.PrepareRequestPayload)
			if m.PreparationHash != crypto.Hash256(req.SigningBytes()) {
				return false, fmt.Errorf("%w: preparation hash does not match primary's request", ErrMalformedPayload)
			}
		}
	default:
		return false, fmt.Errorf("%w: not a preparation message", ErrMalformedPayload)
	}

	if existing, ok := c.preparations[index]; ok {
		if !samePreparation(existing, msg) {
			c.MarkFaulty(index)
			return false, fmt.Errorf("%w: validator %d sent conflicting preparation", ErrEquivocation, index)
		}
		return c.PreparationCount() >= c.M(), nil
	}

	c.preparations[index] = msg
	if req, ok := msg.(*wire.PrepareRequestPayload); ok {
		c.TxHashes = req.TxHashes
		c.HeaderDraft.Version = req.Version
		c.HeaderDraft.PrevHash = req.PrevHash
		c.HeaderDraft.Timestamp = req.Timestamp
		c.HeaderDraft.Nonce = req.Nonce
		c.cachedPrepHash = nil
		c.cachedBlockHash = nil
	}
	return c.PreparationCount() >= c.M(), nil
}

func samePreparation(a, b wire.Message) bool {
	switch av := a.(type) {
	case *wire.PrepareRequestPayload:
		bv, ok := b.(*wire.PrepareRequestPayload)
		return ok && crypto.Hash256(av.SigningBytes()) == crypto.Hash256(bv.SigningBytes())
	case *wire.PrepareResponsePayload:
		bv, ok := b.(*wire.PrepareResponsePayload)
		return ok && av.PreparationHash == bv.PreparationHash
	default:
		return false
	}
}

// PreparationHash returns the hash backups sign into PrepareResponse: the
// primary's PrepareRequest bytes excluding its invocation script (§4.1,
// §4.2 "preparation_hash").
func (c *Context) PreparationHash() (types.Hash256, bool) {
	if c.cachedPrepHash != nil {
		return *c.cachedPrepHash, true
	}
	req, ok := c.preparations[c.PrimaryIndex(c.View)]
	if !ok {
		return types.Hash256{}, false
	}
	prepReq, ok := req.(*wire.PrepareRequestPayload)
	if !ok {
		return types.Hash256{}, false
	}
	h := crypto.Hash256(prepReq.SigningBytes())
	c.cachedPrepHash = &h
	return h, true
}

// BlockHash is defined once the PrepareRequest is known; it combines
// header fields with the Merkle root of tx_hashes (§4.2 "block_hash").
func (c *Context) BlockHash() (types.Hash256, bool) {
	if c.cachedBlockHash != nil {
		return *c.cachedBlockHash, true
	}
	if _, ok := c.preparations[c.PrimaryIndex(c.View)]; !ok {
		return types.Hash256{}, false
	}
	root := merkle.Root(c.TxHashes)
	draft := c.HeaderDraft
	draft.MerkleRoot = root
	h := hashHeader(draft)
	c.cachedBlockHash = &h
	return h, true
}

func hashHeader(h ports.BlockHeader) types.Hash256 {
	buf := make([]byte, 0, 4+32+32+8+8+4+1+20)
	buf = appendU32LE(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = appendU64LE(buf, h.Timestamp)
	buf = appendU64LE(buf, h.Nonce)
	buf = appendU32LE(buf, h.Index)
	buf = append(buf, h.PrimaryIndex)
	buf = append(buf, h.NextConsensus[:]...)
	return crypto.Hash256(buf)
}

func appendU32LE(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendU64LE(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// AcceptCommit records sig for index, which the caller must already have
// verified against the current block hash under its signing domain (§4.2
// "accept_commit"); Context has no notion of network_magic, so signature
// verification lives with the caller (Engine), not here. The block hash
// must already be computable (i.e. a PrepareRequest must have been
// accepted) or this returns an error.
func (c *Context) AcceptCommit(index uint8, sig [64]byte) (quorumReached bool, err error) {
	return c.AcceptCommitWithScript(index, sig, nil)
}

// AcceptCommitWithScript is AcceptCommit plus the invocation script carried
// alongside the commit message, retained so a later RecoveryMessage can
// relay it verbatim (§4.6).
func (c *Context) AcceptCommitWithScript(index uint8, sig [64]byte, script []byte) (quorumReached bool, err error) {
	if c.IsFaulty(index) {
		return false, fmt.Errorf("%w: validator %d already marked faulty", ErrEquivocation, index)
	}
	if int(index) >= c.N() {
		return false, fmt.Errorf("%w: validator index %d out of range", ErrMalformedPayload, index)
	}
	if _, ok := c.BlockHash(); !ok {
		return false, fmt.Errorf("%w: no prepare request yet, can't accept commit", ErrMalformedPayload)
	}
	if existing, ok := c.commits[index]; ok {
		if existing != sig {
			c.MarkFaulty(index)
			return false, fmt.Errorf("%w: validator %d sent conflicting commit", ErrEquivocation, index)
		}
		return len(c.commits) >= c.M(), nil
	}
	c.commits[index] = sig
	if script != nil {
		c.commitScripts[index] = script
	}
	return len(c.commits) >= c.M(), nil
}

// Commits returns the accepted commit signatures keyed by validator index.
func (c *Context) Commits() map[uint8][64]byte { return c.commits }

// CommitScript returns the invocation script recorded alongside index's
// commit, if any was supplied.
func (c *Context) CommitScript(index uint8) []byte { return c.commitScripts[index] }

// CommitCount returns how many distinct validators have committed.
func (c *Context) CommitCount() int { return len(c.commits) }

// HasCommitted reports whether this node has already sent its own commit —
// the safety lock of §3: "A node that has sent a Commit for (h, v) must
// not send a ChangeView for (h, v)".
func (c *Context) HasCommitted() bool {
	return c.IsValidator() && c.hasOwnCommit()
}

func (c *Context) hasOwnCommit() bool {
	_, ok := c.commits[uint8(c.MyIndex)]
	return ok
}

// AcceptChangeView stores the highest new_view seen from index and reports
// whether a view change is now committed: for some v' > current view, at
// least M validators have a highest request >= v' (§4.5). On success it
// returns the smallest such v'.
func (c *Context) AcceptChangeView(index uint8, newView uint8, timestamp uint64, reason wire.ChangeViewReason) (committedView uint8, committed bool) {
	if existing, ok := c.changeViews[index]; ok && existing.NewView >= newView {
		// Keep the highest seen; a lower or equal resend is not equivocation,
		// just a stale duplicate — only a *different* higher-or-lower
		// conflicting claim at the same logical round would be, and
		// change-view requests are monotonic by construction here.
		return c.committedView()
	}
	c.changeViews[index] = changeViewEntry{NewView: newView, Timestamp: timestamp, Reason: reason}
	if v, ok := c.committedView(); ok {
		return v, true
	}
	return 0, false
}

func (c *Context) committedViewLocked() bool {
	_, ok := c.committedView()
	return ok
}

// committedView finds the smallest v' > current view for which at least M
// validators' highest request is >= v'.
func (c *Context) committedView() (uint8, bool) {
	if len(c.changeViews) == 0 {
		return 0, false
	}
	maxCandidate := c.View
	for _, e := range c.changeViews {
		if e.NewView > maxCandidate {
			maxCandidate = e.NewView
		}
	}
	for v := c.View + 1; v <= maxCandidate; v++ {
		count := 0
		for _, e := range c.changeViews {
			if e.NewView >= v {
				count++
			}
		}
		if count >= c.M() {
			return v, true
		}
	}
	return 0, false
}

// ChangeViewCount returns how many validators have an on-file change-view
// request whose target is >= v.
func (c *Context) ChangeViewCount(v uint8) int {
	count := 0
	for _, e := range c.changeViews {
		if e.NewView >= v {
			count++
		}
	}
	return count
}

// ChangeViewRequest returns the highest change-view request recorded for
// index, if any (§4.6 — used when assembling a RecoveryMessage).
func (c *Context) ChangeViewRequest(index uint8) (newView uint8, timestamp uint64, reason wire.ChangeViewReason, ok bool) {
	e, ok := c.changeViews[index]
	if !ok {
		return 0, 0, 0, false
	}
	return e.NewView, e.Timestamp, e.Reason, true
}

// LastSeen returns the highest (height, view) observed from index.
// Recovery-reply throttling does not read it; that is recoveryState's
// replyThrottle, keyed by (height, sender).
func (c *Context) LastSeen(index uint8) (roundID, bool) {
	r, ok := c.lastSeen[index]
	return r, ok
}

// Observe records that index has been seen at (height, view), if it's the
// highest seen so far.
func (c *Context) Observe(index uint8, height uint32, view uint8) {
	cur, ok := c.lastSeen[index]
	next := roundID{Height: height, View: view}
	if !ok || next.Height > cur.Height || (next.Height == cur.Height && next.View > cur.View) {
		c.lastSeen[index] = next
	}
}
