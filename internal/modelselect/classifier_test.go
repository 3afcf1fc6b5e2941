package modelselect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/nanobanana-gateway/internal/ratelimit"
)

func TestClassify(t *testing.T) {
	const standard = "gemini-2.5-flash-image"
	const premium = "gemini-2.5-pro-image"

	cases := []struct {
		name      string
		model     string
		preferred string
		want      ratelimit.Bucket
	}{
		{"exact premium", premium, "", ratelimit.BucketPremium},
		{"exact standard", standard, "", ratelimit.BucketStandard},
		{"unmatched model falls through to standard", "unknown-model", "", ratelimit.BucketStandard},
		{"empty model consults preferred premium", "", premium, ratelimit.BucketPremium},
		{"empty model and empty preferred", "", "", ratelimit.BucketStandard},
		{"unmatched model with preferred premium wins", "unknown-model", premium, ratelimit.BucketPremium},
		{"canonical standard ignores preferred premium", standard, premium, ratelimit.BucketStandard},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Classify(c.model, c.preferred, standard, premium))
		})
	}
}
