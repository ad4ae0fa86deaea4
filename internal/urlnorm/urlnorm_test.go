package urlnorm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/crawlord/internal/urlnorm"
)

func TestNormalize_SortsQueryAndLowercasesAuthority(t *testing.T) {
	got, err := urlnorm.Normalize("HTTPS://Example.COM/x?b=2&a=1", urlnorm.DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x?a=1&b=2", got)
}

func TestNormalize_DropsFragment(t *testing.T) {
	got, err := urlnorm.Normalize("https://example.com/x#section-2", urlnorm.DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x", got)
}

func TestNormalize_DropsEmptyValueDuplicates(t *testing.T) {
	got, err := urlnorm.Normalize("https://example.com/x?a=&a=1&b=", urlnorm.DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x?a=1", got)
}

func TestNormalize_DefaultsEmptyPathToSlash(t *testing.T) {
	got, err := urlnorm.Normalize("https://example.com", urlnorm.DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", got)
}

func TestNormalize_RejectsRelativeURL(t *testing.T) {
	_, err := urlnorm.Normalize("/relative/path", urlnorm.DefaultRules())
	assert.Error(t, err)
}

func TestFingerprint_DuplicateAfterQueryReordering(t *testing.T) {
	first, fp1, err := urlnorm.NormalizeAndFingerprint("https://a.example/x?b=2&a=1", urlnorm.DefaultRules())
	require.NoError(t, err)
	second, fp2, err := urlnorm.NormalizeAndFingerprint("https://a.example/x?a=1&b=2", urlnorm.DefaultRules())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 32) // 16 bytes hex-encoded
}

func TestFingerprint_DistinctForDistinctURLs(t *testing.T) {
	_, fp1, err := urlnorm.NormalizeAndFingerprint("https://a.example/x", urlnorm.DefaultRules())
	require.NoError(t, err)
	_, fp2, err := urlnorm.NormalizeAndFingerprint("https://a.example/y", urlnorm.DefaultRules())
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func TestNormalizeHost_IDNAndCase(t *testing.T) {
	got, err := urlnorm.NormalizeHost("EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", got)
}
