package storage

import "testing"

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"https://bucket.s3.amazonaws.com/t/part-1.parquet?X-Amz-Signature=abc": "https://bucket.s3.amazonaws.com/t/part-1.parquet",
		"https://host/plain.parquet": "https://host/plain.parquet",
		"":                           "",
	}
	for raw, want := range cases {
		if got := RedactURL(raw); got != want {
			t.Fatalf("RedactURL(%q) = %q, want %q", raw, got, want)
		}
	}
}
