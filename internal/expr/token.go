package expr

// tokenType enumerates the lexical tokens of the expression language.
type tokenType int

const (
	tEOF tokenType = iota
	tIllegal

	tNumber
	tString
	tIdent

	tPlus    // +
	tMinus   // -
	tStar    // *
	tSlash   // /
	tPercent // %
	tFloorDiv // ||

	tLT  // <
	tLE  // <=
	tGT  // >
	tGE  // >=
	tEQ  // ==
	tNE  // !=

	tAnd // and
	tOr  // or
	tNot // not
	tIn  // in

	tLParen
	tRParen
	tComma
	tTrue
	tFalse
)

type token struct {
	typ tokenType
	lit string
	pos int
}

var keywords = map[string]tokenType{
	"and":   tAnd,
	"or":    tOr,
	"not":   tNot,
	"in":    tIn,
	"true":  tTrue,
	"false": tFalse,
}
