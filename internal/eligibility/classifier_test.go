package eligibility

import (
	"testing"

	logx "blockplacer/pkg/logx"
)

func TestQueued(t *testing.T) {
	t.Parallel()
	c, err := New(Config{
		Whitelist: []string{"fill", "replace.*"},
		Blacklist: []string{"replace_near"},
		Debug:     true,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]bool{
		"fill":          true,
		"replace":       true,
		"replace_solid": true,
		"replace_near":  false,
		"undo":          false,
		"prefill":       false,
	}
	for op, want := range cases {
		if got := c.Queued(op); got != want {
			t.Errorf("Queued(%q) = %v, want %v", op, got, want)
		}
	}
}

func TestDefaultQueuesEverything(t *testing.T) {
	t.Parallel()
	c, err := New(DefaultConfig(), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if !c.Queued("anything") {
		t.Fatal("default whitelist should match everything")
	}
}

func TestUpdateKeepsRulesOnError(t *testing.T) {
	t.Parallel()
	c, _ := New(Config{Whitelist: []string{"fill"}}, logx.Nop())
	if err := c.Update(Config{Whitelist: []string{"("}}); err == nil {
		t.Fatal("expected compile error")
	}
	if !c.Queued("fill") {
		t.Fatal("previous rules lost")
	}
	if err := (Config{Blacklist: []string{"["}}).Validate(); err == nil {
		t.Fatal("Validate accepted bad pattern")
	}
}
