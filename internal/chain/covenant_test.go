package chain

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func outpointAt(b byte) types.Outpoint {
	var op types.Outpoint
	op.TxID[0] = b
	return op
}

func TestCovenantEngine_ClaimClosesAfterHardening(t *testing.T) {
	e := NewCovenantEngine(100)
	cv := &Covenant{Type: CovenantClaim, NameHash: NameHash("example")}

	if _, err := e.ApplyCovenant(nil, cv, outpointAt(1), 0, 50); err != nil {
		t.Fatalf("CLAIM before hardening height should succeed: %v", err)
	}
	if _, err := e.ApplyCovenant(nil, cv, outpointAt(1), 0, 100); err == nil {
		t.Fatal("CLAIM at the hardening height should be rejected")
	}
}

func TestCovenantEngine_AuctionLifecycle(t *testing.T) {
	e := NewCovenantEngine(0) // CLAIM closed from genesis, only OPEN-started auctions.
	nameHash := NameHash("example")

	open := &Covenant{Type: CovenantOpen, NameHash: nameHash}
	ns, err := e.ApplyCovenant(nil, open, outpointAt(1), 0, 0)
	if err != nil {
		t.Fatalf("OPEN: %v", err)
	}
	if ns.Status(0, e.Windows) != StatusBidding {
		t.Fatalf("status after OPEN should be BIDDING, got %s", ns.Status(0, e.Windows))
	}

	// Bid values stay blinded until REVEAL — BID itself leaves Highest/Value
	// untouched, it only validates the bidding window is open.
	bid := &Covenant{Type: CovenantBid, NameHash: nameHash}
	ns, err = e.ApplyCovenant(ns, bid, outpointAt(2), 500, 10)
	if err != nil {
		t.Fatalf("BID: %v", err)
	}
	ns, err = e.ApplyCovenant(ns, bid, outpointAt(3), 700, 20)
	if err != nil {
		t.Fatalf("second BID: %v", err)
	}
	ns, err = e.ApplyCovenant(ns, bid, outpointAt(4), 300, 30)
	if err != nil {
		t.Fatalf("third BID: %v", err)
	}
	if ns.Highest != 0 || ns.Value != 0 {
		t.Fatalf("BID must not move Highest/Value, got highest=%d value=%d", ns.Highest, ns.Value)
	}

	// A single REVEAL has no competing bid to set a second price against,
	// so the winner ends up owing Value=0 (the prior Highest) — sole
	// bidders win for free, same as an uncontested real-world auction.
	revealHeight := e.Windows.BiddingWindow
	reveal := &Covenant{Type: CovenantReveal, NameHash: nameHash}
	ns, err = e.ApplyCovenant(ns, reveal, outpointAt(3), 700, revealHeight)
	if err != nil {
		t.Fatalf("REVEAL: %v", err)
	}
	if ns.Highest != 700 || ns.Value != 0 || ns.Owner != outpointAt(3) {
		t.Fatalf("sole REVEAL should set highest=700 value=0 owner=3, got highest=%d value=%d owner=%v", ns.Highest, ns.Value, ns.Owner)
	}

	closedHeight := e.Windows.BiddingWindow + e.Windows.RevealWindow
	register := &Covenant{Type: CovenantRegister, NameHash: nameHash, Data: []byte("A 1.2.3.4")}
	ns, err = e.ApplyCovenant(ns, register, outpointAt(3), 0, closedHeight)
	if err != nil {
		t.Fatalf("REGISTER: %v", err)
	}
	if !ns.Registered {
		t.Fatal("REGISTER should mark the name registered")
	}

	transfer := &Covenant{Type: CovenantTransfer, NameHash: nameHash}
	ns, err = e.ApplyCovenant(ns, transfer, outpointAt(5), 0, closedHeight+1)
	if err != nil {
		t.Fatalf("TRANSFER: %v", err)
	}
	if ns.Transfer == 0 {
		t.Fatal("TRANSFER should set a pending transfer height")
	}

	finalizeTooEarly := &Covenant{Type: CovenantFinalize, NameHash: nameHash}
	if _, err := e.ApplyCovenant(ns, finalizeTooEarly, outpointAt(5), 0, ns.Transfer+1); err == nil {
		t.Fatal("FINALIZE before lockup elapses should fail")
	}

	ns, err = e.ApplyCovenant(ns, finalizeTooEarly, outpointAt(5), 0, ns.Transfer+e.Windows.TransferLockup)
	if err != nil {
		t.Fatalf("FINALIZE after lockup: %v", err)
	}
	if ns.Owner != outpointAt(5) || ns.Transfer != 0 {
		t.Fatalf("FINALIZE should hand ownership to the transfer target and clear the pending transfer")
	}
}

// TestCovenantEngine_SecondPriceAuction reproduces a three-bidder auction
// with bids of 100, 300, and 200, revealed out of bid order (200, 100, 300).
// The winner is whoever revealed 300, but the second-price rule means they
// only owe 200 — the highest value anyone else actually revealed.
func TestCovenantEngine_SecondPriceAuction(t *testing.T) {
	e := NewCovenantEngine(0)
	nameHash := NameHash("example")

	open := &Covenant{Type: CovenantOpen, NameHash: nameHash}
	ns, err := e.ApplyCovenant(nil, open, outpointAt(1), 0, 0)
	if err != nil {
		t.Fatalf("OPEN: %v", err)
	}

	bid := &Covenant{Type: CovenantBid, NameHash: nameHash}
	for i, v := range []uint64{100, 300, 200} {
		ns, err = e.ApplyCovenant(ns, bid, outpointAt(byte(2+i)), v, 10)
		if err != nil {
			t.Fatalf("BID %d: %v", v, err)
		}
	}

	revealHeight := e.Windows.BiddingWindow
	reveal := &Covenant{Type: CovenantReveal, NameHash: nameHash}

	// Reveal 200 (bidder 4) first.
	ns, err = e.ApplyCovenant(ns, reveal, outpointAt(4), 200, revealHeight)
	if err != nil {
		t.Fatalf("REVEAL 200: %v", err)
	}
	if ns.Highest != 200 || ns.Value != 0 || ns.Owner != outpointAt(4) {
		t.Fatalf("after REVEAL 200: highest=%d value=%d owner=%v", ns.Highest, ns.Value, ns.Owner)
	}

	// Reveal 100 (bidder 2): below Highest but above Value (0), so Value rises to 100.
	ns, err = e.ApplyCovenant(ns, reveal, outpointAt(2), 100, revealHeight)
	if err != nil {
		t.Fatalf("REVEAL 100: %v", err)
	}
	if ns.Highest != 200 || ns.Value != 100 || ns.Owner != outpointAt(4) {
		t.Fatalf("after REVEAL 100: highest=%d value=%d owner=%v", ns.Highest, ns.Value, ns.Owner)
	}

	// Reveal 300 (bidder 3): new highest, old highest (200) becomes Value.
	ns, err = e.ApplyCovenant(ns, reveal, outpointAt(3), 300, revealHeight)
	if err != nil {
		t.Fatalf("REVEAL 300: %v", err)
	}
	if ns.Highest != 300 || ns.Value != 200 || ns.Owner != outpointAt(3) {
		t.Fatalf("after REVEAL 300: want highest=300 value=200 owner=3, got highest=%d value=%d owner=%v", ns.Highest, ns.Value, ns.Owner)
	}
}

func TestCovenantEngine_RegisterBeforeAuctionCloseRejected(t *testing.T) {
	e := NewCovenantEngine(0)
	nameHash := NameHash("example")

	open := &Covenant{Type: CovenantOpen, NameHash: nameHash}
	ns, err := e.ApplyCovenant(nil, open, outpointAt(1), 0, 0)
	if err != nil {
		t.Fatalf("OPEN: %v", err)
	}

	register := &Covenant{Type: CovenantRegister, NameHash: nameHash}
	if _, err := e.ApplyCovenant(ns, register, outpointAt(1), 0, 1); err == nil {
		t.Fatal("REGISTER during the bidding window should be rejected")
	}
}

func TestCovenantEngine_VulnerableKeyBlocksTransferAndUpdate(t *testing.T) {
	e := NewCovenantEngine(0)
	e.VulnerableKey = func(ns *NameState) bool { return true }

	ns := &NameState{NameHash: NameHash("example"), Registered: true, Owner: outpointAt(1)}

	transfer := &Covenant{Type: CovenantTransfer, NameHash: ns.NameHash}
	if _, err := e.ApplyCovenant(ns, transfer, outpointAt(2), 0, 10); err == nil {
		t.Fatal("TRANSFER on a flagged-vulnerable name should be rejected")
	}

	update := &Covenant{Type: CovenantUpdate, NameHash: ns.NameHash}
	if _, err := e.ApplyCovenant(ns, update, outpointAt(2), 0, 10); err == nil {
		t.Fatal("UPDATE on a flagged-vulnerable name should be rejected")
	}

	// REVOKE is the only escape hatch and must still succeed.
	revoke := &Covenant{Type: CovenantRevoke, NameHash: ns.NameHash}
	revoked, err := e.ApplyCovenant(ns, revoke, outpointAt(2), 0, 10)
	if err != nil {
		t.Fatalf("REVOKE should still succeed on a vulnerable name: %v", err)
	}
	if revoked.Revoked == 0 || revoked.Registered {
		t.Fatal("REVOKE should set Revoked and clear Registered")
	}
}

func TestCovenantEngine_RenewAndUpdateRequireRegistration(t *testing.T) {
	e := NewCovenantEngine(0)
	ns := &NameState{NameHash: NameHash("example")} // never registered

	renew := &Covenant{Type: CovenantRenew, NameHash: ns.NameHash}
	if _, err := e.ApplyCovenant(ns, renew, outpointAt(1), 0, 10); err == nil {
		t.Fatal("RENEW on an unregistered name should be rejected")
	}

	update := &Covenant{Type: CovenantUpdate, NameHash: ns.NameHash}
	if _, err := e.ApplyCovenant(ns, update, outpointAt(1), 0, 10); err == nil {
		t.Fatal("UPDATE on an unregistered name should be rejected")
	}
}

func TestParseCovenant_RoundTrip(t *testing.T) {
	nameHash := NameHash("example")
	data := make([]byte, 0, 1+32+8+4)
	data = append(data, byte(CovenantRegister))
	data = append(data, nameHash[:]...)
	data = append(data, 0, 0, 0, 0, 0, 0, 0, 42) // height = 42, big-endian per beUint64
	data = append(data, []byte("payload")...)

	cv, err := ParseCovenant(data)
	if err != nil {
		t.Fatalf("ParseCovenant: %v", err)
	}
	if cv.Type != CovenantRegister {
		t.Errorf("Type = %v, want CovenantRegister", cv.Type)
	}
	if cv.NameHash != nameHash {
		t.Errorf("NameHash mismatch")
	}
	if cv.Height != 42 {
		t.Errorf("Height = %d, want 42", cv.Height)
	}
	if string(cv.Data) != "payload" {
		t.Errorf("Data = %q, want %q", cv.Data, "payload")
	}
}

func TestParseCovenant_TruncatedRejected(t *testing.T) {
	if _, err := ParseCovenant(make([]byte, 10)); err == nil {
		t.Fatal("expected error for truncated covenant data")
	}
}
