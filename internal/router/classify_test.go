package router

import (
	"encoding/json"
	"testing"
)

func TestBlockRequirement_RelativeTagsImposeNone(t *testing.T) {
	t.Parallel()
	for _, tag := range []string{"latest", "pending", "safe", "finalized"} {
		params := json.RawMessage(`["0xdead", "` + tag + `"]`)
		requiredBlock, archive, err := blockRequirement("eth_call", params)
		if err != nil {
			t.Fatalf("tag %q: unexpected err %v", tag, err)
		}
		if requiredBlock != 0 || archive {
			t.Errorf("tag %q: got (%d, %v), want (0, false)", tag, requiredBlock, archive)
		}
	}
}

func TestBlockRequirement_ExplicitBlockRequiresArchive(t *testing.T) {
	t.Parallel()
	requiredBlock, archive, err := blockRequirement("eth_call", json.RawMessage(`["0xdead", "0x64"]`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if requiredBlock != 100 || !archive {
		t.Errorf("got (%d, %v), want (100, true)", requiredBlock, archive)
	}
}

func TestBlockRequirement_UnparseableTagIsInvalid(t *testing.T) {
	t.Parallel()
	_, _, err := blockRequirement("eth_call", json.RawMessage(`["0xdead", "not-a-tag"]`))
	if err == nil {
		t.Fatal("expected a parse error for an unrecognized block tag")
	}
}

func TestBlockRequirement_IgnoresMethodsWithoutABlockTag(t *testing.T) {
	t.Parallel()
	requiredBlock, archive, err := blockRequirement("eth_chainId", nil)
	if err != nil || requiredBlock != 0 || archive {
		t.Errorf("got (%d, %v, %v), want (0, false, nil)", requiredBlock, archive, err)
	}
}
