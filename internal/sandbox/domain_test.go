package sandbox

import "testing"

func TestDomainValidator_AllowsDeclaredDomain(t *testing.T) {
	v := NewDomainValidator([]string{"api.example.com", "*.github.com"})

	if err := v.Validate("api.example.com"); err != nil {
		t.Errorf("expected api.example.com to be allowed: %v", err)
	}
	if err := v.Validate("raw.github.com"); err != nil {
		t.Errorf("expected raw.github.com to be allowed via wildcard: %v", err)
	}
}

func TestDomainValidator_RejectsUndeclaredDomain(t *testing.T) {
	v := NewDomainValidator([]string{"api.example.com"})
	if err := v.Validate("evil.com"); err == nil {
		t.Error("expected evil.com to be rejected")
	}
}

func TestDomainValidator_AlwaysRejectsPrivateAndLoopback(t *testing.T) {
	v := NewDomainValidator([]string{"10.0.0.5", "127.0.0.1", "::1", "localhost", "169.254.1.1"})

	for _, host := range []string{"10.0.0.5", "172.16.0.1", "192.168.1.1", "127.0.0.1", "::1", "localhost", "169.254.1.1"} {
		if err := v.Validate(host); err == nil {
			t.Errorf("expected %s to always be rejected even though declared", host)
		}
	}
}

func TestDomainValidator_AllowsPublicIPWhenDeclared(t *testing.T) {
	v := NewDomainValidator([]string{"8.8.8.8"})
	if err := v.Validate("8.8.8.8"); err != nil {
		t.Errorf("expected declared public IP to be allowed: %v", err)
	}
}
