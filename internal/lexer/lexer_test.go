package lexer

import "testing"

func TestTokenize_VerbForm(t *testing.T) {
	toks, err := Tokenize(`(send-email :to <Customer> :subject "hi there" :retries 3 :rate 1.5)`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Kind{LParen, Symbol, Keyword, EntityRef, Keyword, String, Keyword, Int, Keyword, Float, RParen, EOF}
	if len(toks) != len(want) {
		t.Fatalf("got %d tokens, want %d: %+v", len(toks), len(want), toks)
	}
	for i, k := range want {
		if toks[i].Kind != k {
			t.Errorf("token %d: kind = %s, want %s (%q)", i, toks[i].Kind, k, toks[i].Text)
		}
	}
}

func TestTokenize_ListsAndMaps(t *testing.T) {
	toks, err := Tokenize(`[1 2] {:k v} @binding`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Kind{LBracket, Int, Int, RBracket, LBrace, Keyword, Symbol, RBrace, BindingRef, EOF}
	if len(toks) != len(want) {
		t.Fatalf("got %d tokens, want %d: %+v", len(toks), len(want), toks)
	}
	for i, k := range want {
		if toks[i].Kind != k {
			t.Errorf("token %d: kind = %s, want %s", i, toks[i].Kind, k)
		}
	}
}

func TestTokenize_CommentsAndBools(t *testing.T) {
	toks, err := Tokenize("true false ; this is a comment\nfalse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(toks) != 4 {
		t.Fatalf("got %d tokens, want 4: %+v", len(toks), toks)
	}
	for i := 0; i < 3; i++ {
		if toks[i].Kind != Bool {
			t.Errorf("token %d: kind = %s, want Bool", i, toks[i].Kind)
		}
	}
}

func TestTokenize_StringEscapes(t *testing.T) {
	toks, err := Tokenize(`"line\nbreak \"quoted\" end"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toks[0].Text != "line\nbreak \"quoted\" end" {
		t.Errorf("got %q", toks[0].Text)
	}
}

func TestTokenize_UnterminatedString(t *testing.T) {
	_, err := Tokenize(`"unterminated`)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestTokenize_UnterminatedEntityRef(t *testing.T) {
	_, err := Tokenize(`<Customer`)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestTokenize_NegativeAndFloat(t *testing.T) {
	toks, err := Tokenize(`-42 -3.5`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toks[0].Kind != Int || toks[0].Text != "-42" {
		t.Errorf("got %+v", toks[0])
	}
	if toks[1].Kind != Float || toks[1].Text != "-3.5" {
		t.Errorf("got %+v", toks[1])
	}
}

func TestTokenize_SpanTracksLines(t *testing.T) {
	toks, err := Tokenize("(a\n(b))")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// tokens: ( a ( b ) )
	if toks[0].Span.Line != 1 {
		t.Errorf("first token line = %d, want 1", toks[0].Span.Line)
	}
	var sawLine2 bool
	for _, tok := range toks {
		if tok.Span.Line == 2 {
			sawLine2 = true
		}
	}
	if !sawLine2 {
		t.Error("expected a token on line 2")
	}
}
