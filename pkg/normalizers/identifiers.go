package normalizers

import (
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
)

var (
	inchikeyRe = regexp.MustCompile(`^[A-Z]{14}-[A-Z]{10}-[A-Z]$`)
	chemblRe   = regexp.MustCompile(`^CHEMBL[1-9][0-9]*$`)
	drugbankRe = regexp.MustCompile(`^DB[0-9]{5}$`)
	casRe      = regexp.MustCompile(`^([0-9]{2,7})-([0-9]{2})-([0-9])$`)
	uniprotRe  = regexp.MustCompile(`^([OPQ][0-9][A-Z0-9]{3}[0-9]|[A-NR-Z][0-9]([A-Z][A-Z0-9]{2}[0-9]){1,2})$`)
	ensemblRe  = regexp.MustCompile(`^ENS[A-Z]*[GTPE][0-9]{11}$`)
	geneRe     = regexp.MustCompile(`^[A-Z0-9][A-Z0-9\-\.@]*$`)
	meshRe     = regexp.MustCompile(`^[DC][0-9]{6,9}$`)
	umlsRe     = regexp.MustCompile(`^C[0-9]{7}$`)
	nctRe      = regexp.MustCompile(`^NCT[0-9]{8}$`)
	euctrRe    = regexp.MustCompile(`^([0-9]{4}-[0-9]{6}-[0-9]{2})`)
	isrctnRe   = regexp.MustCompile(`^ISRCTN[0-9]{8}$`)
	leiRe      = regexp.MustCompile(`^[0-9A-Z]{18}[0-9]{2}$`)
	tickerRe   = regexp.MustCompile(`^[A-Z][A-Z0-9\.\-]{0,9}$`)
)

// NameHashLength is the number of hex characters kept from a name hash.
const NameHashLength = 16

// InChIKey validates a standard InChIKey, accepting an "InChIKey=" prefix.
func InChIKey(s string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "INCHIKEY=")
	if !inchikeyRe.MatchString(v) {
		return "", invalid("inchikey", s, "expected 14-10-1 uppercase blocks")
	}
	return v, nil
}

// ChEMBL normalizes "chembl25" and "CHEMBL 25" to "CHEMBL25".
func ChEMBL(s string) (string, error) {
	v := strings.ToUpper(RemoveWhitespace(s))
	if !strings.HasPrefix(v, "CHEMBL") && v != "" && DigitsOnly(v) == v {
		v = "CHEMBL" + v
	}
	if !chemblRe.MatchString(v) {
		return "", invalid("chembl", s, "expected CHEMBL followed by digits")
	}
	return v, nil
}

// DrugBank validates DBnnnnn accessions.
func DrugBank(s string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if !drugbankRe.MatchString(v) {
		return "", invalid("drugbank", s, "expected DB followed by five digits")
	}
	return v, nil
}

// PubChemCID strips "CID" prefixes and leading zeros.
func PubChemCID(s string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "CID:")
	v = strings.TrimPrefix(v, "CID")
	v = strings.TrimSpace(v)
	if v == "" || DigitsOnly(v) != v {
		return "", invalid("pubchem_cid", s, "expected a positive integer")
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return "", invalid("pubchem_cid", s, "expected a positive integer")
	}
	return strconv.FormatUint(n, 10), nil
}

// CAS validates a CAS registry number including its check digit.
func CAS(s string) (string, error) {
	v := strings.TrimSpace(s)
	m := casRe.FindStringSubmatch(v)
	if m == nil {
		return "", invalid("cas", s, "expected NNNNNNN-NN-N")
	}
	digits := m[1] + m[2]
	sum := 0
	for i := 0; i < len(digits); i++ {
		weight := len(digits) - i
		sum += int(digits[i]-'0') * weight
	}
	if strconv.Itoa(sum%10) != m[3] {
		return "", invalid("cas", s, "check digit mismatch")
	}
	return v, nil
}

// UniProt validates an accession and drops isoform suffixes.
func UniProt(s string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if base, _, ok := strings.Cut(v, "-"); ok {
		v = base
	}
	if !uniprotRe.MatchString(v) {
		return "", invalid("uniprot", s, "not a UniProt accession")
	}
	return v, nil
}

// Ensembl validates stable ids and drops version suffixes.
func Ensembl(s string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if base, _, ok := strings.Cut(v, "."); ok {
		v = base
	}
	if !ensemblRe.MatchString(v) {
		return "", invalid("ensembl", s, "not an Ensembl stable id")
	}
	return v, nil
}

// HGNC normalizes "6081" and "hgnc:6081" to "HGNC:6081".
func HGNC(s string) (string, error) {
	return curie("hgnc", "HGNC", 0)(s)
}

// GeneSymbol upper-cases an approved gene symbol.
func GeneSymbol(s string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if !geneRe.MatchString(v) {
		return "", invalid("gene_symbol", s, "not a gene symbol")
	}
	return v, nil
}

// curie builds a normalizer for PREFIX:digits identifiers. Underscore
// separators and bare numbers are accepted; a non-zero width zero-pads the
// local part.
func curie(system, prefix string, width int) Normalizer {
	return func(s string) (string, error) {
		v := strings.ToUpper(strings.TrimSpace(s))
		v = strings.Replace(v, "_", ":", 1)
		local := v
		if p, rest, ok := strings.Cut(v, ":"); ok {
			if p != prefix {
				return "", invalid(system, s, "unexpected prefix "+p)
			}
			local = rest
		}
		if local == "" || DigitsOnly(local) != local {
			return "", invalid(system, s, "expected "+prefix+":digits")
		}
		if width > 0 {
			if len(local) > width {
				return "", invalid(system, s, "local id too long")
			}
			local = strings.Repeat("0", width-len(local)) + local
		}
		return prefix + ":" + local, nil
	}
}

// MeSH accepts descriptor and supplementary concept ids with optional "MESH:".
func MeSH(s string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "MESH:")
	if !meshRe.MatchString(v) {
		return "", invalid("mesh", s, "not a MeSH unique id")
	}
	return v, nil
}

// UMLS validates concept unique identifiers.
func UMLS(s string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "UMLS:")
	if !umlsRe.MatchString(v) {
		return "", invalid("umls", s, "not a UMLS CUI")
	}
	return v, nil
}

// NCT validates ClinicalTrials.gov registry numbers.
func NCT(s string) (string, error) {
	v := strings.ToUpper(RemoveWhitespace(s))
	if !nctRe.MatchString(v) {
		return "", invalid("nct", s, "expected NCT followed by eight digits")
	}
	return v, nil
}

// EUCTR keeps the EudraCT number and drops country suffixes.
func EUCTR(s string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "EUCTR")
	m := euctrRe.FindStringSubmatch(v)
	if m == nil {
		return "", invalid("euctr", s, "expected YYYY-NNNNNN-CC")
	}
	return m[1], nil
}

// ISRCTN validates ISRCTN registry numbers.
func ISRCTN(s string) (string, error) {
	v := strings.ToUpper(RemoveWhitespace(s))
	if !isrctnRe.MatchString(v) {
		return "", invalid("isrctn", s, "expected ISRCTN followed by eight digits")
	}
	return v, nil
}

// LEI validates a legal entity identifier with its ISO 7064 mod 97-10 check.
func LEI(s string) (string, error) {
	v := strings.ToUpper(RemoveWhitespace(s))
	if !leiRe.MatchString(v) {
		return "", invalid("lei", s, "expected 20 alphanumeric characters")
	}
	var digits strings.Builder
	for _, r := range v {
		if r >= 'A' && r <= 'Z' {
			digits.WriteString(strconv.Itoa(int(r-'A') + 10))
		} else {
			digits.WriteRune(r)
		}
	}
	n, ok := new(big.Int).SetString(digits.String(), 10)
	if !ok || new(big.Int).Mod(n, big.NewInt(97)).Int64() != 1 {
		return "", invalid("lei", s, "check digits mismatch")
	}
	return v, nil
}

// CIK zero-pads SEC central index keys to ten digits.
func CIK(s string) (string, error) {
	v := strings.TrimSpace(s)
	v = strings.TrimPrefix(strings.ToUpper(v), "CIK")
	if v == "" || DigitsOnly(v) != v || len(v) > 10 {
		return "", invalid("cik", s, "expected up to ten digits")
	}
	return strings.Repeat("0", 10-len(v)) + v, nil
}

// Ticker upper-cases exchange ticker symbols, dropping an exchange prefix.
func Ticker(s string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if _, sym, ok := strings.Cut(v, ":"); ok {
		v = sym
	}
	if !tickerRe.MatchString(v) {
		return "", invalid("ticker", s, "not a ticker symbol")
	}
	return v, nil
}

// NameHash derives a stable key from a normalized entity name.
func NameHash(s string) (string, error) {
	n := NormalizeName(s)
	if n == "" {
		return "", invalid("name_hash", s, "empty name")
	}
	return fingerprint.Short(n, NameHashLength), nil
}

// CompanyNameHash is NameHash with legal form suffixes removed first.
func CompanyNameHash(s string) (string, error) {
	n := NormalizeCompanyName(s)
	if n == "" {
		return "", invalid("name_hash", s, "empty name")
	}
	return fingerprint.Short(n, NameHashLength), nil
}
