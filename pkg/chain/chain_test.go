package chain

import (
	"testing"

	"github.com/syiftach/transitmix/pkg/mixcrypto"
)

func descriptors(t *testing.T, n int) []Descriptor {
	t.Helper()
	ds := make([]Descriptor, n)
	for i := 0; i < n; i++ {
		priv, err := mixcrypto.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		ds[i] = Descriptor{Address: "127.0.0.1", Port: 9000 + i, PublicKey: &priv.PublicKey}
	}
	return ds
}

func TestSetupSingleRelay(t *testing.T) {
	c, err := Setup(descriptors(t, 1))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	if !c.IsTail(0) {
		t.Error("single-relay chain: relay 0 should be tail")
	}
	if c.HasNext(0) {
		t.Error("single-relay chain: relay 0 should have no next")
	}
}

func TestSetupLinksChainInOrder(t *testing.T) {
	ds := descriptors(t, 3)
	c, err := Setup(ds)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if c.Head().Port != ds[0].Port {
		t.Errorf("Head().Port = %d, want %d", c.Head().Port, ds[0].Port)
	}
	if !c.HasNext(0) || c.At(c.Next(0)).Port != ds[1].Port {
		t.Error("relay 0's next should be relay 1")
	}
	if !c.HasNext(1) || c.At(c.Next(1)).Port != ds[2].Port {
		t.Error("relay 1's next should be relay 2")
	}
	if !c.IsTail(2) {
		t.Error("relay 2 should be tail")
	}
}

func TestSetupEmptyFails(t *testing.T) {
	if _, err := Setup(nil); err != ErrEmptyChain {
		t.Fatalf("Setup(nil) err = %v, want ErrEmptyChain", err)
	}
}
