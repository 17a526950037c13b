package sourcetable

import "testing"

func TestReconstructExtendedSeqSameCycle(t *testing.T) {
	got := reconstructExtendedSeq(100, 105)
	if got != 105 {
		t.Fatalf("got %d, want 105", got)
	}
}

func TestReconstructExtendedSeqForwardWrap(t *testing.T) {
	stored := uint32(0xFFFE)
	got := reconstructExtendedSeq(stored, 2)
	want := uint32(0x10002)
	if got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}
}

func TestReconstructExtendedSeqBackwardsSmallJump(t *testing.T) {
	stored := uint32(0x10005)
	got := reconstructExtendedSeq(stored, 3)
	want := uint32(0x10003)
	if got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}
}

func TestReconstructExtendedSeqTieBreaksHigherCycle(t *testing.T) {
	// e = 0x18000; candidates for seq=0x0000 are 0x10000 (diff 0x8000) and
	// 0x20000 (diff 0x8000): tie, must pick the higher cycle (0x20000).
	stored := uint32(0x18000)
	got := reconstructExtendedSeq(stored, 0)
	want := uint32(0x20000)
	if got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}
}

func TestRTPTimestampDiffSmallForward(t *testing.T) {
	d, ok := rtpTimestampDiff(1000, 900)
	if !ok || d != 100 {
		t.Fatalf("got (%d, %v), want (100, true)", d, ok)
	}
}

func TestRTPTimestampDiffWrapsAroundZero(t *testing.T) {
	d, ok := rtpTimestampDiff(10, 0xFFFFFFFE)
	if !ok || d != 12 {
		t.Fatalf("got (%d, %v), want (12, true)", d, ok)
	}
}

func TestRTPTimestampDiffIllDefined(t *testing.T) {
	_, ok := rtpTimestampDiff(0x80000000, 0)
	if ok {
		t.Fatalf("expected ill-defined diff to report ok=false")
	}
}
