package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// TestEnsureUTF8BytesGBK 国产固件通道名常见GB系编码，应正确转为UTF-8
func TestEnsureUTF8BytesGBK(t *testing.T) {
	raw, err := simplifiedchinese.GB18030.NewEncoder().Bytes([]byte("大门摄像头"))
	require.NoError(t, err)

	assert.Equal(t, "大门摄像头", EnsureUTF8Bytes(raw))
}

// TestEnsureUTF8BytesPassthrough 合法UTF-8原样返回
func TestEnsureUTF8BytesPassthrough(t *testing.T) {
	assert.Equal(t, "Front Gate", EnsureUTF8Bytes([]byte("Front Gate")))
	assert.Equal(t, "", EnsureUTF8Bytes(nil))
}

// TestNormalizeTitle 测试通道名清洗
func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "Front Gate", NormalizeTitle("  Front Gate \r\n"))
	assert.Equal(t, "Camera1", NormalizeTitle("Camera\x001"), "控制字符应被剔除")
	assert.Equal(t, "", NormalizeTitle("   "))
}
