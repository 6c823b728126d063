package chain

import (
	"regexp"

	"github.com/pkg/errors"
)

type sendErrorKind int

const (
	sendUnknown sendErrorKind = iota
	sendNonceTooLow
	sendAlreadyKnown
	sendUnderpriced
	sendInsufficientFunds
	sendFatal
)

func (k sendErrorKind) String() string {
	switch k {
	case sendNonceTooLow:
		return "nonce too low"
	case sendAlreadyKnown:
		return "already known"
	case sendUnderpriced:
		return "underpriced"
	case sendInsufficientFunds:
		return "insufficient funds"
	case sendFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type sendErrorPatterns map[sendErrorKind]*regexp.Regexp

var geth = sendErrorPatterns{
	sendNonceTooLow:       regexp.MustCompile(`(: |^)nonce too low$`),
	sendAlreadyKnown:      regexp.MustCompile(`(: |^)(?i)(known transaction|already known)`),
	sendUnderpriced:       regexp.MustCompile(`(: |^)(replacement transaction underpriced|transaction underpriced)$`),
	sendInsufficientFunds: regexp.MustCompile(`(: |^)(insufficient funds for transfer|insufficient funds for gas \* price \+ value|insufficient balance for transfer)$`),
	sendFatal:             regexp.MustCompile(`(: |^)(exceeds block gas limit|invalid sender|negative value|oversized data|gas uint64 overflow|intrinsic gas too low|nonce too high)$`),
}

var parity = sendErrorPatterns{
	sendNonceTooLow:       regexp.MustCompile(`^Transaction nonce is too low. Try incrementing the nonce.`),
	sendAlreadyKnown:      regexp.MustCompile(`Transaction with the same hash was already imported.`),
	sendUnderpriced:       regexp.MustCompile(`^Transaction gas price .*is too low`),
	sendInsufficientFunds: regexp.MustCompile(`^(Insufficient funds. The account you tried to send transaction from does not have enough funds.|Insufficient balance for transaction.)`),
	sendFatal:             regexp.MustCompile(`^Transaction gas is too low. There is not enough gas to cover minimal cost of the transaction|^Transaction cost exceeds current gas limit. Limit:|^Invalid signature|^Invalid RLP data`),
}

var arbitrum = sendErrorPatterns{
	sendNonceTooLow:       regexp.MustCompile(`(: |^)invalid transaction nonce$`),
	sendUnderpriced:       regexp.MustCompile(`(: |^)gas price too low$`),
	sendInsufficientFunds: regexp.MustCompile(`(: |^)not enough funds for gas`),
	sendFatal:             regexp.MustCompile(`(: |^)(invalid message format|forbidden sender address|execution reverted: error code)$`),
}

var dialects = []sendErrorPatterns{geth, parity, arbitrum}

var classifyOrder = []sendErrorKind{sendFatal, sendNonceTooLow, sendAlreadyKnown, sendUnderpriced, sendInsufficientFunds}

// classifySendError maps a node's broadcast error message onto a kind.
func classifySendError(err error) sendErrorKind {
	if err == nil {
		return sendUnknown
	}

	msg := errors.Cause(err).Error()
	for _, kind := range classifyOrder {
		for _, d := range dialects {
			re, ok := d[kind]
			if ok && re.MatchString(msg) {
				return kind
			}
		}
	}

	return sendUnknown
}
