package tls

import "testing"

func TestRegisterAssignsSequentialIDsStartingAtOne(t *testing.T) {
	m := New()
	objA, objB := new(int), new(int)

	idA, err := m.Register(objA, 8, 8, nil, false)
	if err != nil {
		t.Fatalf("Register(objA): %v", err)
	}
	idB, err := m.Register(objB, 8, 8, nil, false)
	if err != nil {
		t.Fatalf("Register(objB): %v", err)
	}
	if idA != 1 || idB != 2 {
		t.Errorf("ids = %d, %d; want 1, 2", idA, idB)
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	m := New()
	obj := new(int)
	if _, err := m.Register(obj, 8, 8, nil, false); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := m.Register(obj, 8, 8, nil, false); err == nil {
		t.Error("expected an error registering the same object twice")
	}
}

func TestUnregisterRecyclesID(t *testing.T) {
	m := New()
	objA, objB := new(int), new(int)

	idA, _ := m.Register(objA, 8, 8, nil, false)
	m.Unregister(objA)
	idB, err := m.Register(objB, 8, 8, nil, false)
	if err != nil {
		t.Fatalf("Register(objB): %v", err)
	}
	if idB != idA {
		t.Errorf("expected recycled id %d, got %d", idA, idB)
	}
	if got := m.ModuleIDFor(objA); got != moduleReserved {
		t.Errorf("ModuleIDFor(unregistered objA) = %d, want %d", got, moduleReserved)
	}
}

func TestAddrInitializesFromTemplateAndPersists(t *testing.T) {
	m := New()
	obj := new(int)
	template := []byte{1, 2, 3, 4}
	id, err := m.Register(obj, 8, 8, template, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	block, err := m.Addr(id, 0)
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}
	if block[0] != 1 || block[3] != 4 {
		t.Errorf("block not initialized from template: %v", block[:4])
	}

	block[0] = 99
	block2, err := m.Addr(id, 0)
	if err != nil {
		t.Fatalf("Addr (second call): %v", err)
	}
	if block2[0] != 99 {
		t.Error("expected the same goroutine's second Addr call to see the first call's mutation")
	}
}

func TestAddrRejectsReservedModule(t *testing.T) {
	m := New()
	if _, err := m.Addr(moduleReserved, 0); err == nil {
		t.Error("expected an error addressing the reserved module 0")
	}
}

func TestAddrRejectsUnknownModule(t *testing.T) {
	m := New()
	if _, err := m.Addr(12345, 0); err == nil {
		t.Error("expected an error addressing an unregistered module")
	}
}

func TestStaticOffsetForAccumulatesAcrossModules(t *testing.T) {
	m := New()
	objA, objB := new(int), new(int)

	if _, err := m.Register(objA, 16, 8, nil, true); err != nil {
		t.Fatalf("Register(objA): %v", err)
	}
	if _, err := m.Register(objB, 8, 8, nil, true); err != nil {
		t.Fatalf("Register(objB): %v", err)
	}

	offA, ok := m.StaticOffsetFor(objA, 4)
	if !ok || offA != 4 {
		t.Errorf("StaticOffsetFor(objA, 4) = %d, %v; want 4, true", offA, ok)
	}
	offB, ok := m.StaticOffsetFor(objB, 0)
	if !ok || offB != 16 {
		t.Errorf("StaticOffsetFor(objB, 0) = %d, %v; want 16, true", offB, ok)
	}
}

func TestStaticOffsetForRejectsDynamicModule(t *testing.T) {
	m := New()
	obj := new(int)
	if _, err := m.Register(obj, 8, 8, nil, false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := m.StaticOffsetFor(obj, 0); ok {
		t.Error("expected StaticOffsetFor to reject a dynamically-scheduled module")
	}
}
