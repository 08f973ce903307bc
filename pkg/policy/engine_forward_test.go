package policy

import "testing"

func TestAddRule_ForwardRequiresValidUpstreams(t *testing.T) {
	e := NewEngine()
	rule := &Rule{
		Name:       "No Upstreams",
		Logic:      "true",
		Action:     ActionForward,
		ActionData: "",
		Enabled:    true,
	}
	if err := e.AddRule(rule); err == nil {
		t.Error("expected error adding a FORWARD rule with no upstreams")
	}
}

func TestAddRule_ForwardValid(t *testing.T) {
	e := NewEngine()
	rule := &Rule{
		Name:       "Internal Zone",
		Logic:      "Domain == 'corp.internal.'",
		Action:     ActionForward,
		ActionData: "10.1.1.1,10.1.1.2:5353",
		Enabled:    true,
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if e.Count() != 1 {
		t.Errorf("expected 1 rule, got %d", e.Count())
	}
}

func TestAddRule_RedirectRequiresTarget(t *testing.T) {
	e := NewEngine()
	rule := &Rule{
		Name:       "No Target",
		Logic:      "true",
		Action:     ActionRedirect,
		ActionData: "  ",
		Enabled:    true,
	}
	if err := e.AddRule(rule); err == nil {
		t.Error("expected error adding a REDIRECT rule with a blank target")
	}
}

func TestEvaluate_ForwardRuleMatches(t *testing.T) {
	e := NewEngine()
	rule := &Rule{
		Name:       "Forward Corp",
		Logic:      "Domain == 'corp.internal.'",
		Action:     ActionForward,
		ActionData: "10.1.1.1:53",
		Enabled:    true,
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	matched, r := e.Evaluate(Context{Domain: "corp.internal."})
	if !matched {
		t.Fatal("expected the FORWARD rule to match")
	}
	if r.Action != ActionForward {
		t.Errorf("expected action %q, got %q", ActionForward, r.Action)
	}

	upstreams := r.GetUpstreams()
	if len(upstreams) != 1 || upstreams[0] != "10.1.1.1:53" {
		t.Errorf("unexpected upstreams: %v", upstreams)
	}
}

func TestGetUpstreams_NonForwardRuleReturnsNil(t *testing.T) {
	r := &Rule{Action: ActionBlock, ActionData: "10.1.1.1:53"}
	if ups := r.GetUpstreams(); ups != nil {
		t.Errorf("expected nil upstreams for a non-FORWARD rule, got %v", ups)
	}
}

func TestParseUpstreams(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    []string
		wantErr bool
	}{
		{name: "default port appended", data: "1.1.1.1", want: []string{"1.1.1.1:53"}},
		{name: "explicit port kept", data: "1.1.1.1:5353", want: []string{"1.1.1.1:5353"}},
		{name: "multiple entries with blanks skipped", data: "1.1.1.1, , 8.8.8.8:53", want: []string{"1.1.1.1:53", "8.8.8.8:53"}},
		{name: "empty string errors", data: "", wantErr: true},
		{name: "blank-only string errors", data: "   ,  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUpstreams(tt.data)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseUpstreams(%q) expected an error, got %v", tt.data, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseUpstreams(%q) unexpected error: %v", tt.data, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseUpstreams(%q) = %v, want %v", tt.data, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ParseUpstreams(%q)[%d] = %q, want %q", tt.data, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestHasAction(t *testing.T) {
	e := NewEngine()
	if e.HasAction(ActionRateLimit) {
		t.Error("expected HasAction to be false on an empty engine")
	}

	if err := e.AddRule(&Rule{Name: "Limit Guests", Logic: "true", Action: ActionRateLimit, ActionData: "10/s", Enabled: true}); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if !e.HasAction(ActionRateLimit) {
		t.Error("expected HasAction(RATE_LIMIT) to be true")
	}
	if e.HasAction(ActionForward) {
		t.Error("expected HasAction(FORWARD) to be false when no FORWARD rule exists")
	}

	// A disabled rule shouldn't count.
	e2 := NewEngine()
	if err := e2.AddRule(&Rule{Name: "Disabled", Logic: "true", Action: ActionForward, ActionData: "10.1.1.1", Enabled: false}); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if e2.HasAction(ActionForward) {
		t.Error("expected HasAction to ignore disabled rules")
	}
}
