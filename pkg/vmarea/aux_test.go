package vmarea

import (
	"testing"

	"github.com/vmengine/codecache/pkg/hostarch"
)

func TestAuxRecordWriteAndSelfmodExecCounters(t *testing.T) {
	aux := NewAux()
	addr := hostarch.Addr(0x1500)

	if got := aux.RecordWrite(addr); got != 1 {
		t.Fatalf("RecordWrite first call = %d, want 1", got)
	}
	if got := aux.RecordWrite(addr); got != 2 {
		t.Fatalf("RecordWrite second call = %d, want 2", got)
	}
	if got := aux.RecordSelfmodExec(addr); got != 1 {
		t.Fatalf("RecordSelfmodExec first call = %d, want 1", got)
	}

	c, ok := aux.WrittenAreas.Lookup(addr)
	if !ok {
		t.Fatalf("Lookup on written-areas: not found")
	}
	if c.Payload.WrittenCount != 2 || c.Payload.SelfmodExecs != 1 {
		t.Errorf("counters = %+v, want WrittenCount=2 SelfmodExecs=1", c.Payload)
	}
}

func TestAuxWrittenAreasNeverMergeAcrossPages(t *testing.T) {
	aux := NewAux()
	aux.RecordWrite(0x1500)
	aux.RecordWrite(0x2500)

	if got := aux.WrittenAreas.Len(); got != 2 {
		t.Errorf("WrittenAreas.Len() = %d, want 2 (adjacent pages must not merge)", got)
	}
}

func TestAuxTamperResistant(t *testing.T) {
	aux := NewAux()
	ar := hostarch.AddrRange{Start: 0x1000, End: 0x2000}

	if aux.IsTamperResistant(0x1500) {
		t.Fatalf("IsTamperResistant true before SetTamperResistant")
	}
	aux.SetTamperResistant(ar)
	if !aux.IsTamperResistant(0x1500) {
		t.Errorf("IsTamperResistant false after SetTamperResistant covering the address")
	}
	if aux.IsTamperResistant(0x3000) {
		t.Errorf("IsTamperResistant true for an address outside the range")
	}
}

func TestAuxThreadStackRegisterUnregister(t *testing.T) {
	aux := NewAux()
	ar := hostarch.AddrRange{Start: 0x7000, End: 0x8000}

	aux.RegisterThreadStack(ar)
	if !aux.IsThreadStack(0x7500) {
		t.Fatalf("IsThreadStack false after RegisterThreadStack")
	}
	aux.UnregisterThreadStack(ar)
	if aux.IsThreadStack(0x7500) {
		t.Errorf("IsThreadStack true after UnregisterThreadStack")
	}
}
