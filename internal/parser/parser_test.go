package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const creditEmail = `<p>Tài khoản 0123456789 vừa tăng 50.000 VND vào 05/01/2024 10:30</p>
<p>Số dư hiện tại: 1.250.000 VND</p>
<p>Mô tả: CK VCD1704425400 thanh toan don hang</p>`

func TestParseCreditNotification(t *testing.T) {
	fact := New(zap.NewNop()).Parse(creditEmail)

	require.NotNil(t, fact.AmountIncreased)
	assert.Equal(t, int64(50000), *fact.AmountIncreased)
	assert.Nil(t, fact.AmountDecreased)
	require.NotNil(t, fact.CurrentBalance)
	assert.Equal(t, int64(1250000), *fact.CurrentBalance)
	assert.Equal(t, "2024-01-05T10:30:00+07:00", fact.OccurredAt)
	assert.Equal(t, "CK VCD1704425400 thanh toan don hang", fact.Description)
	assert.Equal(t, "VCD1704425400", fact.Code)
	assert.Empty(t, fact.PhoneNumber)
}

func TestParseDebitWithPhoneToken(t *testing.T) {
	raw := "Tài khoản vừa giảm 1,200,000 VND vào 31/12/2023 23:59. Mô tả: NT0912345678</p><p>footer"
	fact := New(zap.NewNop()).Parse(raw)

	require.NotNil(t, fact.AmountDecreased)
	assert.Equal(t, int64(1200000), *fact.AmountDecreased)
	assert.Nil(t, fact.AmountIncreased)
	assert.Equal(t, "NT0912345678", fact.Description)
	assert.Equal(t, "0912345678", fact.PhoneNumber)
	assert.Empty(t, fact.Code)
}

func TestParseDegradesInsteadOfFailing(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"unrelated", "Your OTP is 123456"},
		{"amount without digits", "vừa tăng ., VND"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			fact := New(zap.NewNop()).Parse(c.raw)
			assert.Nil(t, fact.AmountIncreased)
			assert.Nil(t, fact.AmountDecreased)
			assert.Nil(t, fact.CurrentBalance)
			assert.Empty(t, fact.OccurredAt)
			assert.Empty(t, fact.Code)
		})
	}
}

func TestParseMalformedTimeKeepsRawValue(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	fact := New(zap.New(core)).Parse("vừa tăng 10.000 VND vào 45/13/2024 10:30")

	assert.Equal(t, "45/13/2024 10:30", fact.OccurredAt)
	require.NotNil(t, fact.AmountIncreased)
	assert.Equal(t, int64(10000), *fact.AmountIncreased)
	assert.Equal(t, 1, logs.FilterMessage("Keeping malformed notification time as-is").Len())
}

func TestTokens(t *testing.T) {
	cases := []struct {
		desc  string
		phone string
		code  string
	}{
		{"NT0912345678", "0912345678", ""},
		{"VCD1704425400", "", "VCD1704425400"},
		{"MBVCD1704425400 FT24005", "", "VCD1704425400"},
		{"VCD1704425400123", "", ""},
		{"ck VCD1704425400-NT0912345678", "0912345678", "VCD1704425400"},
		{"VCD17044254001 too long", "", ""},
		{"NT091234567 too short", "", ""},
		{"", "", ""},
	}
	for _, c := range cases {
		phone, code := Tokens(c.desc)
		assert.Equal(t, c.phone, phone, "phone for %q", c.desc)
		assert.Equal(t, c.code, code, "code for %q", c.desc)
	}
}
