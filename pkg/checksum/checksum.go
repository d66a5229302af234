package checksum

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sigurn/crc16"
)

// Delimiter 文本行校验和的分隔符，消息正文中不允许出现
const Delimiter = "*"

// 初始化 CRC16/CCITT-FALSE 查找表
// 该表由全部协议层共享，校验固定使用CCITT多项式(0x1021)
var ccittTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Checksum 计算数据的CRC16/CCITT-FALSE校验和
// 已知校验向量：Checksum([]byte("123456789")) == 0x29B1
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, ccittTable)
}

// Hex 计算校验和并格式化为4位大写十六进制字符串
func Hex(data []byte) string {
	return fmt.Sprintf("%04X", Checksum(data))
}

// Verify 校验数据与期望校验和是否一致
func Verify(data []byte, expected uint16) bool {
	return Checksum(data) == expected
}

// Append 在文本消息后追加"*XXXX"格式的校验和后缀
// 消息本身不允许包含分隔符
func Append(msg string) string {
	return msg + Delimiter + Hex([]byte(msg))
}

// ExtractAndVerify 从带校验和后缀的文本行中提取原始消息并验证
// 返回提取出的消息和校验结果；行内无分隔符或校验失败时ok为false
func ExtractAndVerify(line string) (string, bool) {
	idx := strings.LastIndex(line, Delimiter)
	if idx < 0 {
		return line, false
	}

	msg := line[:idx]
	sumStr := line[idx+1:]
	if len(sumStr) != 4 {
		return msg, false
	}

	expected, err := strconv.ParseUint(sumStr, 16, 16)
	if err != nil {
		return msg, false
	}

	return msg, Checksum([]byte(msg)) == uint16(expected)
}
