package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "/"},
		{"/metrics", "/metrics"},
		{"/v1/access-grants/abc", "/v1/access-grants/:id"},
		{"/v1/access-grants/abc/terminate", "/v1/access-grants/:id/terminate"},
		{"/v1/access-grants/abc/approve", "/v1/access-grants/:id/approve"},
		{"/v1/access-grants/abc/extra", "/v1/access-grants/abc/extra"},
		{"/v1/access-grants?principal=p1", "/v1/access-grants"},
		{"/v1/auth/login", "/v1/auth/login"},
		{"/v1/notifications/stream", "/v1/notifications/stream"},
	}
	for _, tc := range cases {
		if got := CanonicalPath(tc.in); got != tc.want {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}
