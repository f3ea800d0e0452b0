package cache

import "testing"

func TestLocalCacheGetSetDelete(t *testing.T) {
	l := newLocalCache()

	if _, ok := l.get("deploy:abc"); ok {
		t.Fatal("expected miss on empty cache")
	}

	l.set("deploy:abc", "payload")
	v, ok := l.get("deploy:abc")
	if !ok || v != "payload" {
		t.Fatalf("got (%q, %v), want (\"payload\", true)", v, ok)
	}

	l.delete("deploy:abc")
	if _, ok := l.get("deploy:abc"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestTieredCacheMaxedOut(t *testing.T) {
	c := &TieredCache{
		local:    newLocalCache(),
		maxedOut: make(map[string]struct{}),
	}
	c.local.set(KeyDeployPrefix+"abc", "cached-deploy-json")

	if c.IsMaxedOut("abc") {
		t.Fatal("expected abc to not be maxed out yet")
	}

	c.maxedOutMu.Lock()
	c.maxedOut["abc"] = struct{}{}
	c.maxedOutMu.Unlock()
	c.local.delete(KeyDeployPrefix + "abc")

	if !c.IsMaxedOut("abc") {
		t.Fatal("expected abc to be maxed out")
	}
	if _, ok := c.local.get(KeyDeployPrefix + "abc"); ok {
		t.Fatal("expected deploy entry evicted from local tier")
	}
}
