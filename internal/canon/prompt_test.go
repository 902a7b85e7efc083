package canon

import "testing"

func TestCanonicalizePrompt(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"whitespace and case",
			"  Make a   FLANGE\twith 6 holes ",
			"make a flange with 6 holes",
		},
		{
			"double-quoted span keeps case",
			`Engrave "ACME Corp" on the top face`,
			`engrave "ACME Corp" on the top face`,
		},
		{
			"single-quoted span keeps case",
			"Label it 'Rev B' please",
			"label it 'Rev B' please",
		},
		{
			"quote styles pair independently",
			`Use 'the "RAW" name' then STOP`,
			`use 'the "RAW" name' then stop`,
		},
		{
			"email masked",
			"Send the STEP file to Jane.Doe@example.com today",
			"send the step file to [EMAIL] today",
		},
		{
			"phone masked",
			"Call +905551234567 when done",
			"call [PHONE] when done",
		},
		{
			"us phone with separators masked",
			"Contact 555-123-4567 or (555) 123-4567",
			"contact [PHONE] or [PHONE]",
		},
		{
			"card masked",
			"Bill card 4111 1111 1111 1111 for this",
			"bill card [CARD] for this",
		},
		{
			"ssn masked",
			"SSN 123-45-6789 on record",
			"ssn [SSN] on record",
		},
		{
			"bare dimensions untouched",
			"Plate 100 x 50 x 3 mm with M6 holes at 25 75 125 175",
			"plate 100 x 50 x 3 mm with m6 holes at 25 75 125 175",
		},
		{
			"ten digit run untouched",
			"Serial 1234567890 stamped on part",
			"serial 1234567890 stamped on part",
		},
		{
			"non-ascii letters pass through unfolded",
			"Kalınlık 5mm İSTENEN",
			"kalınlık 5mm İstenen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanonicalizePrompt(tt.in); got != tt.want {
				t.Errorf("CanonicalizePrompt(%q)\n got  %q\n want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalizePromptIdempotent(t *testing.T) {
	inputs := []string{
		"Make a FLANGE for jane@example.com",
		`Engrave "ACME" and call 555-123-4567`,
		"  plain   text  ",
	}
	for _, in := range inputs {
		once := CanonicalizePrompt(in)
		if twice := CanonicalizePrompt(once); twice != once {
			t.Errorf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestMaskOrderCardBeforePhone(t *testing.T) {
	// A 16-digit card with dash separators must not be eaten by the
	// phone pattern first.
	got := CanonicalizePrompt("card 4111-1111-1111-1111 end")
	want := "card [CARD] end"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
