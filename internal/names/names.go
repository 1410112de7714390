package names

import "strings"

// Normalize 生成用于模糊比对的规范化姓名：
// 转小写、去掉所有非字母数字字符（点、逗号、连字符、空格等）。
func Normalize(firstName, lastName string) string {
	full := strings.ToLower(strings.TrimSpace(firstName + " " + lastName))
	var b strings.Builder
	b.Grow(len(full))
	for _, r := range full {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Parse 将完整显示名拆成姓/名两段
func Parse(fullName string) (firstName, lastName string) {
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return "Employee", "Unknown"
	}
	parts := strings.Fields(fullName)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// IsNumeric 纯数字编码（历史遗留占位码，带前缀的编码才是正式编码）
func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// PrefixedCode 把纯数字设备用户号补零后加前缀，得到正式编码形态。
// 如 prefix="HO", width=3："38" → "HO038"。非纯数字原样返回。
func PrefixedCode(prefix, id string, width int) string {
	if !IsNumeric(id) {
		return id
	}
	padded := id
	for len(padded) < width {
		padded = "0" + padded
	}
	return prefix + padded
}
