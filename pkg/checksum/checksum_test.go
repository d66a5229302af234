package checksum

import (
	"testing"
)

// TestChecksumKnownVector 测试CRC16/CCITT-FALSE标准校验向量
func TestChecksumKnownVector(t *testing.T) {
	got := Checksum([]byte("123456789"))
	if got != 0x29B1 {
		t.Errorf("标准向量校验和不匹配: 期望 0x29B1, 得到 0x%04X", got)
	}
}

// TestChecksumHexFormat 测试校验和的十六进制格式化
func TestChecksumHexFormat(t *testing.T) {
	got := Hex([]byte("123456789"))
	if got != "29B1" {
		t.Errorf("十六进制格式不匹配: 期望 29B1, 得到 %s", got)
	}
}

// TestAppendExtractRoundTrip 测试追加校验和后提取验证的往返一致性
func TestAppendExtractRoundTrip(t *testing.T) {
	testCases := []string{
		"",
		"VERSION",
		"MEASURE 3 VOLTAGE",
		"OK 3.299",
		"status: relay=12, mode=auto",
	}

	for _, msg := range testCases {
		line := Append(msg)
		got, ok := ExtractAndVerify(line)
		if !ok {
			t.Errorf("校验失败: 原始消息 %q, 行 %q", msg, line)
		}
		if got != msg {
			t.Errorf("提取消息不匹配: 期望 %q, 得到 %q", msg, got)
		}
	}
}

// TestExtractAndVerifyCorruption 测试被破坏的行无法通过校验
func TestExtractAndVerifyCorruption(t *testing.T) {
	line := Append("MEASURE 7 CURRENT")

	// 逐字节翻转消息正文，校验必须失败
	for i := 0; i < len(line)-5; i++ {
		corrupted := []byte(line)
		corrupted[i] ^= 0x01
		if _, ok := ExtractAndVerify(string(corrupted)); ok {
			t.Errorf("位置%d被破坏后校验仍然通过: %q", i, corrupted)
		}
	}
}

// TestExtractAndVerifyMalformed 测试格式异常的输入
func TestExtractAndVerifyMalformed(t *testing.T) {
	testCases := []struct {
		name string
		line string
	}{
		{"NoDelimiter", "VERSION"},
		{"ShortChecksum", "VERSION*29"},
		{"NonHexChecksum", "VERSION*ZZZZ"},
		{"EmptyLine", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := ExtractAndVerify(tc.line); ok {
				t.Errorf("异常输入不应通过校验: %q", tc.line)
			}
		})
	}
}
