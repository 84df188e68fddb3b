package checksum_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/csc-fi/pifs/pkg/checksum"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSumMultipleAlgorithms(t *testing.T) {
	path := writeTempFile(t, "hello world")

	sums, err := checksum.Sum(path, "md5", "sha1", "sha2")
	require.NoError(t, err)
	require.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", sums[checksum.MD5])
	require.Equal(t, "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed", sums[checksum.SHA1])
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", sums[checksum.SHA256])
}

func TestSumUnknownAlgorithm(t *testing.T) {
	path := writeTempFile(t, "hello world")

	_, err := checksum.Sum(path, "crc32")
	require.Error(t, err)
}

func TestMD5Sum(t *testing.T) {
	path := writeTempFile(t, "hello world")

	sum, err := checksum.MD5Sum(path)
	require.NoError(t, err)
	require.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", sum)
}

func TestParseDeclared(t *testing.T) {
	d, ok, err := checksum.ParseDeclared("md5:5EB63BBBE01EEED093CB22BB8F5ACDC3")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, checksum.MD5, d.Algorithm)
	require.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", d.Hex)

	_, ok, err = checksum.ParseDeclared("")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = checksum.ParseDeclared("crc32:deadbeef")
	require.Error(t, err)

	_, _, err = checksum.ParseDeclared("not-a-valid-declaration")
	require.Error(t, err)
}
