package security

import "testing"

func TestURLValidate(t *testing.T) {
	v := NewURL()

	cases := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public https", "https://agent.example.com/webhook", false},
		{"public http", "http://agent.example.com:8080/hook", false},
		{"public IP", "https://93.184.216.34/webhook", false},
		{"localhost", "http://localhost:9000/hook", true},
		{"loopback IP", "http://127.0.0.1/hook", true},
		{"private 10/8", "http://10.1.2.3/hook", true},
		{"private 192.168/16", "https://192.168.1.10/hook", true},
		{"link local", "http://169.254.1.1/hook", true},
		{"cloud metadata", "http://169.254.169.254/latest/meta-data", true},
		{"gcp metadata host", "http://metadata.google.internal/computeMetadata", true},
		{"ipv6 loopback", "http://[::1]:8080/hook", true},
		{"ipv6 mapped loopback", "http://[::ffff:127.0.0.1]/hook", true},
		{"unspecified", "http://0.0.0.0/hook", true},
		{"bad scheme", "ftp://agent.example.com/hook", true},
		{"no host", "https:///hook", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.url)
			if tc.wantErr && err == nil {
				t.Fatalf("Validate(%q): expected error, got nil", tc.url)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Validate(%q): unexpected error: %v", tc.url, err)
			}
		})
	}
}
