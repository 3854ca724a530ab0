package directory

import "testing"

func TestParseAdminCommandFlatKeys(t *testing.T) {
	cmd := ParseAdminCommand("action=restart:id=7")
	if cmd["action"] != "restart" {
		t.Fatalf("unexpected action: %v", cmd["action"])
	}
	if cmd["id"] != int64(7) {
		t.Fatalf("expected id coerced to int64, got %T(%v)", cmd["id"], cmd["id"])
	}
}

func TestParseAdminCommandNestedKeys(t *testing.T) {
	cmd := ParseAdminCommand("runner.restart=true:runner.force=false")
	runner, ok := cmd["runner"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested runner map, got %T", cmd["runner"])
	}
	if runner["restart"] != true {
		t.Fatalf("expected runner.restart=true, got %v", runner["restart"])
	}
	if runner["force"] != false {
		t.Fatalf("expected runner.force=false, got %v", runner["force"])
	}
}

func TestParseAdminCommandBareKeyDefaultsTrue(t *testing.T) {
	cmd := ParseAdminCommand("verbose")
	if cmd["verbose"] != true {
		t.Fatalf("expected bare key to coerce to true, got %v", cmd["verbose"])
	}
}

func TestParseAdminCommandIgnoresEmptySegments(t *testing.T) {
	cmd := ParseAdminCommand("a=1::b=2")
	if cmd["a"] != int64(1) || cmd["b"] != int64(2) {
		t.Fatalf("unexpected result for doubled separator: %v", cmd)
	}
}
