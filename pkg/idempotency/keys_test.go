package idempotency

import "testing"

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func TestTransmissionKey(t *testing.T) {
	k1 := TransmissionKey("ord-1", 1)
	if !isHex64(k1) {
		t.Fatalf("not a sha256 hex digest: %q", k1)
	}
	if k1 != TransmissionKey("ord-1", 1) {
		t.Error("key must be deterministic")
	}
	if k1 == TransmissionKey("ord-1", 2) {
		t.Error("retry attempts must get distinct keys")
	}
	if k1 == TransmissionKey("ord-2", 1) {
		t.Error("orders must get distinct keys")
	}
}

func TestAdministrationKey(t *testing.T) {
	k := AdministrationKey("ord-1", "adm-1")
	if !isHex64(k) {
		t.Fatalf("not a sha256 hex digest: %q", k)
	}
	if k != AdministrationKey("ord-1", "adm-1") {
		t.Error("key must be deterministic")
	}
	if k == AdministrationKey("ord-1", "adm-2") {
		t.Error("administrations must get distinct keys")
	}
}

func TestNotificationKey(t *testing.T) {
	k := NotificationKey("pat-1", "rx-1")
	if !isHex64(k) {
		t.Fatalf("not a sha256 hex digest: %q", k)
	}
	if k != NotificationKey("pat-1", "rx-1") {
		t.Error("key must be deterministic")
	}
	if k == NotificationKey("pat-1", "rx-2") || k == NotificationKey("pat-2", "rx-1") {
		t.Error("reactions and patients must get distinct keys")
	}
	if k == AdministrationKey("pat-1", "rx-1") {
		t.Error("key namespaces must not collide")
	}
}
