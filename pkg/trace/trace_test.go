package trace

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseMemOps(t *testing.T) {
	r := NewReader(strings.NewReader(
		"0 L 0x1000 0x1004 0x2000 4\n" +
			"0 S 0x1004 0x1008 0x2010 8\n",
	))

	op, ok := r.Next(0)
	if !ok {
		t.Fatal("expected first op")
	}
	if op.Kind != MemLoad || op.PC != 0x1000 || op.NextPC != 0x1004 || op.MemAddress != 0x2000 || op.Size != 4 {
		t.Fatalf("unexpected op: %+v", op)
	}

	op, ok = r.Next(0)
	if !ok {
		t.Fatal("expected second op")
	}
	if op.Kind != MemStore || op.MemAddress != 0x2010 || op.Size != 8 {
		t.Fatalf("unexpected op: %+v", op)
	}

	if _, ok := r.Next(0); ok {
		t.Fatal("expected exhaustion")
	}
}

func TestParseALUWithRegisters(t *testing.T) {
	r := NewReader(strings.NewReader("1 A 0x200 0x204 3 4 5\n"))
	op, ok := r.Next(1)
	if !ok {
		t.Fatal("expected op")
	}
	if op.Kind != ALU || op.SrcReg[0] != 3 || op.SrcReg[1] != 4 || op.DestReg != 5 {
		t.Fatalf("unexpected op: %+v", op)
	}
}

func TestBranchHasNoRegisters(t *testing.T) {
	r := NewReader(strings.NewReader("2 B 0x300 0x310\n"))
	op, ok := r.Next(2)
	if !ok {
		t.Fatal("expected op")
	}
	if op.Kind != Branch || op.SrcReg[0] != NoReg || op.SrcReg[1] != NoReg || op.DestReg != NoReg {
		t.Fatalf("unexpected op: %+v", op)
	}
}

func TestDemultiplexesByProcessor(t *testing.T) {
	r := NewReader(strings.NewReader(
		"0 A 0x0 0x4 -1 -1 -1\n" +
			"1 A 0x0 0x4 -1 -1 -1\n" +
			"0 A 0x4 0x8 -1 -1 -1\n",
	))

	op, ok := r.Next(1)
	if !ok || op.PC != 0x0 {
		t.Fatalf("expected proc 1's single op, got %+v ok=%v", op, ok)
	}
	if _, ok := r.Next(1); ok {
		t.Fatal("expected proc 1 exhausted")
	}

	op, ok = r.Next(0)
	if !ok || op.PC != 0x0 {
		t.Fatalf("expected proc 0 first op, got %+v", op)
	}
	op, ok = r.Next(0)
	if !ok || op.PC != 0x4 {
		t.Fatalf("expected proc 0 second op, got %+v", op)
	}
}

func TestSkipsBlankAndCommentLines(t *testing.T) {
	r := NewReader(strings.NewReader("\n# comment\n0 B 0x0 0x4\n"))
	op, ok := r.Next(0)
	if !ok || op.Kind != Branch {
		t.Fatalf("expected branch op after skipping comments, got %+v", op)
	}
}

func TestMalformedLineIsSkipped(t *testing.T) {
	r := NewReader(strings.NewReader("garbage\n0 B 0x0 0x4\n"))
	op, ok := r.Next(0)
	if !ok || op.Kind != Branch {
		t.Fatalf("expected to skip malformed line and find the branch op, got %+v", op)
	}
}

func TestParseALUWithRegistersFullStruct(t *testing.T) {
	r := NewReader(strings.NewReader("1 A 0x200 0x204 3 4 5\n"))
	op, ok := r.Next(1)
	if !ok {
		t.Fatal("expected op")
	}

	want := &Op{
		Kind:       ALU,
		PC:         0x200,
		NextPC:     0x204,
		MemAddress: 0,
		Size:       0,
		SrcReg:     [2]int{3, 4},
		DestReg:    5,
	}
	if diff := cmp.Diff(want, op); diff != "" {
		t.Errorf("parsed op mismatch (-want +got):\n%s", diff)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		MemLoad:  "MEM_LOAD",
		MemStore: "MEM_STORE",
		Branch:   "BRANCH",
		ALU:      "ALU",
		ALULong:  "ALU_LONG",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
