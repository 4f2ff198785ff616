package iommu

import (
	"errors"
	"testing"
)

func TestMapUnmapReusesSpace(t *testing.T) {
	d := NewDomain(0x10000000, 4*PageSize)

	a := NewBuffer(3, 0, PageSize)
	b := NewBuffer(4, 0, 2*PageSize)
	if err := d.Map(a); err != nil {
		t.Fatalf("Map(a): %v", err)
	}
	if err := d.Map(b); err != nil {
		t.Fatalf("Map(b): %v", err)
	}
	ia, _ := a.IOVA()
	ib, _ := b.IOVA()
	if ia != 0x10000000 || ib != 0x10000000+PageSize {
		t.Fatalf("iova a=%#x b=%#x", ia, ib)
	}

	if err := d.Unmap(a); err != nil {
		t.Fatalf("Unmap(a): %v", err)
	}
	c := NewBuffer(5, 0, 100)
	if err := d.Map(c); err != nil {
		t.Fatalf("Map(c): %v", err)
	}
	if ic, _ := c.IOVA(); ic != 0x10000000 {
		t.Errorf("first-fit iova = %#x, want hole at base", ic)
	}
	if got, ok := d.Lookup(ib + 10); !ok || got != b {
		t.Errorf("Lookup inside b = %v, %v", got, ok)
	}
	if d.Live() != 2 {
		t.Errorf("Live = %d, want 2", d.Live())
	}
}

func TestMapErrors(t *testing.T) {
	d := NewDomain(0, 2*PageSize)
	a := NewBuffer(1, 0, PageSize)

	if err := d.Unmap(a); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Unmap unmapped = %v", err)
	}
	d.FailNext(1)
	if err := d.Map(a); !errors.Is(err, ErrMapFailed) {
		t.Errorf("injected failure = %v", err)
	}
	if a.Mapped() {
		t.Fatal("buffer mapped after failure")
	}
	if err := d.Map(a); err != nil {
		t.Fatalf("Map after injected failure: %v", err)
	}
	if err := d.Map(a); !errors.Is(err, ErrAlreadyMapped) {
		t.Errorf("double map = %v", err)
	}
	big := NewBuffer(2, 0, 2*PageSize)
	if err := d.Map(big); !errors.Is(err, ErrMapFailed) {
		t.Errorf("map beyond space = %v", err)
	}
}

func TestAllocKMapFree(t *testing.T) {
	d := NewDomain(0, 16*PageSize)
	b, err := d.Alloc(5000)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b.Size != 2*PageSize || b.Handle >= 0 || !b.Pinned() {
		t.Fatalf("Alloc returned %v pinned=%v", b, b.Pinned())
	}
	if err := d.MapSinglePage(b); err != nil {
		t.Fatalf("MapSinglePage: %v", err)
	}
	if !b.SinglePage() {
		t.Error("SinglePage = false")
	}
	if err := d.KMap(b); err != nil {
		t.Fatalf("KMap: %v", err)
	}
	if len(b.CPU()) != int(b.Size) {
		t.Errorf("cpu mapping len = %d", len(b.CPU()))
	}
	d.Free(b)
	if b.Mapped() || b.CPU() != nil || b.Pinned() || d.Live() != 0 {
		t.Errorf("after Free: mapped=%v cpu=%v pinned=%v live=%d", b.Mapped(), b.CPU() != nil, b.Pinned(), d.Live())
	}

	u := NewBuffer(9, 0, 64)
	if err := d.KMap(u); !errors.Is(err, ErrNotPinned) {
		t.Errorf("KMap unpinned = %v", err)
	}
}
