package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/domain"
)

// Bank notifications stamp local time without an offset; the bank runs on UTC+7.
var bankZone = time.FixedZone("ICT", 7*60*60)

const (
	bankTimeLayout = "02/01/2006 15:04"
	isoLayout      = "2006-01-02T15:04:05-07:00"
)

var (
	amountIncreasedRe = regexp.MustCompile(`vừa tăng ([\d,.]+) VND`)
	amountDecreasedRe = regexp.MustCompile(`vừa giảm ([\d,.]+) VND`)
	occurredAtRe      = regexp.MustCompile(`vào (\d{2}/\d{2}/\d{4} \d{2}:\d{2})`)
	balanceRe         = regexp.MustCompile(`Số dư hiện tại: ([\d,.]+) VND`)
	descriptionRe     = regexp.MustCompile(`Mô tả: (.+)`)

	// Correlation tokens must not be glued to further digits.
	phoneTokenRe = regexp.MustCompile(`(?:^|\D)NT(\d{10})(?:\D|$)`)
	codeTokenRe  = regexp.MustCompile(`(?:^|\D)(VCD\d{10})(?:\D|$)`)
)

// Parser extracts NotificationFacts from raw bank notification text.
type Parser struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Parser {
	return &Parser{logger: logger.Named("parser")}
}

// Parse never fails: each field is extracted independently and left empty when
// its pattern is missing or its value does not convert.
func (p *Parser) Parse(raw string) domain.NotificationFact {
	var fact domain.NotificationFact

	if m := amountIncreasedRe.FindStringSubmatch(raw); m != nil {
		fact.AmountIncreased = p.number("amount_increased", m[1])
	}
	if m := amountDecreasedRe.FindStringSubmatch(raw); m != nil {
		fact.AmountDecreased = p.number("amount_decreased", m[1])
	}
	if m := occurredAtRe.FindStringSubmatch(raw); m != nil {
		fact.OccurredAt = p.timestamp(m[1])
	}
	if m := balanceRe.FindStringSubmatch(raw); m != nil {
		fact.CurrentBalance = p.number("current_balance", m[1])
	}
	if m := descriptionRe.FindStringSubmatch(raw); m != nil {
		desc, _, _ := strings.Cut(m[1], "</p>")
		fact.Description = strings.TrimSpace(desc)
	}

	fact.PhoneNumber, fact.Code = Tokens(fact.Description)
	return fact
}

// Tokens returns the phone number of an NT token and the VCD code found in a
// description. Both may be present.
func Tokens(description string) (phone, code string) {
	if m := phoneTokenRe.FindStringSubmatch(description); m != nil {
		phone = m[1]
	}
	if m := codeTokenRe.FindStringSubmatch(description); m != nil {
		code = m[1]
	}
	return phone, code
}

// number drops grouping dots and commas: "1.250.000" -> 1250000.
func (p *Parser) number(field, s string) *int64 {
	digits := strings.NewReplacer(".", "", ",", "").Replace(s)
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		p.logger.Warn("Dropping unparseable amount", zap.String("field", field), zap.String("value", s))
		return nil
	}
	return &n
}

func (p *Parser) timestamp(s string) string {
	t, err := time.ParseInLocation(bankTimeLayout, s, bankZone)
	if err != nil {
		p.logger.Warn("Keeping malformed notification time as-is", zap.String("value", s), zap.Error(err))
		return s
	}
	return t.Format(isoLayout)
}
