package validation

const (
	MaxMemoLength   = 256
	MaxSymbolLength = 16

	// Field names used in error messages
	RecipientField = "recipient"
	AmountField    = "amount"
	MemoField      = "memo"
	SymbolField    = "symbol"
)

var InjectionPatterns = []string{
	"${{", "{{", "}}", "${", "#{", "{%", "%}", "{{{", // templates/SSTI
	"%0a", "%0d", "%0a%0d", "%00", "%27", "%22", "%3c", "%3e", // encoded attacks (decode first)
	"${jndi:", "ldap://", "ldaps://", // JNDI/ldap
	"eval(", "exec(", "system(", "popen(", // dangerous funcs
	"<script", "javascript:",
}
