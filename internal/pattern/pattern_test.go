package pattern

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern  string
		endpoint string
		want     bool
	}{
		{"*", "/anything", true},
		{"*", "", true},
		{"/admin/*", "/admin/users", true},
		{"/admin/*", "/admin", true},
		{"/admin/*", "/administrator", false},
		{"/admin/*", "/api/admin/users", false},
		{"/api*", "/api/v1", true},
		{"/api*", "/apix", true},
		{"/login", "/login", true},
		{"/login", "/login/", false},
		{"/login", "/logins", false},
		{" /login ", "/login", true},
	}
	for _, c := range cases {
		if got := Compile(c.pattern).Match(c.endpoint); got != c.want {
			t.Errorf("Compile(%q).Match(%q) = %v, want %v", c.pattern, c.endpoint, got, c.want)
		}
	}
}

func TestSpecificity(t *testing.T) {
	all := Compile("*").Specificity()
	admin := Compile("/admin/*").Specificity()
	users := Compile("/admin/users/*").Specificity()
	exact := Compile("/admin").Specificity()

	if !(all < admin && admin < users) {
		t.Errorf("expected * < /admin/* < /admin/users/*, got %d %d %d", all, admin, users)
	}
	if exact <= admin {
		t.Errorf("exact /admin (%d) should outrank /admin/* (%d)", exact, admin)
	}
	if Compile("/*").Specificity() != 0 {
		t.Errorf("/* should be as unspecific as *")
	}
}

func TestSetBest(t *testing.T) {
	set := CompileSet([]string{"*", "/admin/*", "", "/admin/users"})
	if len(set) != 3 {
		t.Fatalf("blank pattern should be skipped, got %d", len(set))
	}

	m, ok := set.Best("/admin/users")
	if !ok || m.String() != "/admin/users" {
		t.Errorf("Best(/admin/users) = %q, %v", m.String(), ok)
	}
	m, ok = set.Best("/admin/roles")
	if !ok || m.String() != "/admin/*" {
		t.Errorf("Best(/admin/roles) = %q, %v", m.String(), ok)
	}
	m, ok = set.Best("/public")
	if !ok || m.String() != "*" {
		t.Errorf("Best(/public) = %q, %v", m.String(), ok)
	}

	if _, ok := CompileSet(nil).Best("/x"); ok {
		t.Error("empty set should not match")
	}
}

func TestSetBestTieKeepsOrder(t *testing.T) {
	set := CompileSet([]string{"/a/*", "/a*"})
	// "/a/*" has literal "/a" and "/a*" has literal "/a": equal specificity.
	m, ok := set.Best("/a/b")
	if !ok || m.String() != "/a/*" {
		t.Errorf("tie should keep first pattern, got %q", m.String())
	}
}
