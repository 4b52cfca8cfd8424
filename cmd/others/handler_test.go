package others

import "testing"

func TestPidFromLockName(t *testing.T) {
	pid, ok := pidFromLockName("pid-4242.lock")
	if !ok {
		t.Fatal("expected pidFromLockName to accept a well-formed lock name")
	}
	if pid != 4242 {
		t.Errorf("pid = %d, want 4242", pid)
	}
}

func TestPidFromLockNameRejectsMissingPrefix(t *testing.T) {
	if _, ok := pidFromLockName("4242.lock"); ok {
		t.Fatal("expected pidFromLockName to reject a name without the pid- prefix")
	}
}

func TestPidFromLockNameRejectsMissingSuffix(t *testing.T) {
	if _, ok := pidFromLockName("pid-4242.txt"); ok {
		t.Fatal("expected pidFromLockName to reject a name without the .lock suffix")
	}
}

func TestPidFromLockNameRejectsNonNumeric(t *testing.T) {
	if _, ok := pidFromLockName("pid-abc.lock"); ok {
		t.Fatal("expected pidFromLockName to reject a non-numeric pid")
	}
}
