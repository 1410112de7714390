package names

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "rajeshkumar", Normalize("Rajesh", "Kumar"))
	assert.Equal(t, "rajeshkumar", Normalize("  RAJESH ", " KUMAR. "))
	assert.Equal(t, "mdaliakbar", Normalize("Md. Ali-Akbar", ""))
	assert.Equal(t, "", Normalize("", ""))
	assert.Equal(t, Normalize("A B C", ""), Normalize("ABC", ""))
}

func TestParse(t *testing.T) {
	first, last := Parse("Rajesh Kumar Singh")
	assert.Equal(t, "Rajesh", first)
	assert.Equal(t, "Kumar Singh", last)

	first, last = Parse("Madonna")
	assert.Equal(t, "Madonna", first)
	assert.Equal(t, "", last)

	first, last = Parse("   ")
	assert.Equal(t, "Employee", first)
	assert.Equal(t, "Unknown", last)
}

func TestIsNumeric(t *testing.T) {
	assert.True(t, IsNumeric("38"))
	assert.False(t, IsNumeric("HO038"))
	assert.False(t, IsNumeric(""))
	assert.False(t, IsNumeric("12a"))
}

func TestPrefixedCode(t *testing.T) {
	assert.Equal(t, "HO038", PrefixedCode("HO", "38", 3))
	assert.Equal(t, "HO138", PrefixedCode("HO", "138", 3))
	assert.Equal(t, "HO1038", PrefixedCode("HO", "1038", 3))
	// 非纯数字不做转换
	assert.Equal(t, "HO038", PrefixedCode("HO", "HO038", 3))
}
