package config

// Identifier system names shipped with the default categories.
const (
	SystemInChIKey   = "inchikey"
	SystemChEMBL     = "chembl"
	SystemDrugBank   = "drugbank"
	SystemPubChemCID = "pubchem_cid"
	SystemCAS        = "cas"
	SystemUniProt    = "uniprot"
	SystemEnsembl    = "ensembl"
	SystemHGNC       = "hgnc"
	SystemGeneSymbol = "gene_symbol"
	SystemMONDO      = "mondo"
	SystemEFO        = "efo"
	SystemDOID       = "doid"
	SystemMeSH       = "mesh"
	SystemUMLS       = "umls"
	SystemNCT        = "nct"
	SystemEUCTR      = "euctr"
	SystemISRCTN     = "isrctn"
	SystemLEI        = "lei"
	SystemCIK        = "cik"
	SystemTicker     = "ticker"
	SystemNameHash   = "name_hash"
)

// DefaultCategories returns the built-in categories, ordered by identifier
// priority. A config file that declares categories replaces this list.
func DefaultCategories() []CategoryConfig {
	nameHash := SystemConfig{Name: SystemNameHash, Normalizer: SystemNameHash, Weight: 0.6, Derived: true}

	return []CategoryConfig{
		{
			Name:       "Compound",
			Aliases:    []string{"drug", "molecule", "chemical", "compound"},
			NameFields: []string{"properties.name", "properties.preferred_name", "properties.synonyms[*]"},
			Systems: []SystemConfig{
				{Name: SystemInChIKey, Normalizer: SystemInChIKey, Weight: 1.0, Fields: []string{"identifiers.inchikey", "identifiers.inchi_key", "properties.inchikey"}},
				{Name: SystemChEMBL, Normalizer: SystemChEMBL, Weight: 0.95, Fields: []string{"identifiers.chembl", "identifiers.chembl_id", "properties.chembl_id"}},
				{Name: SystemDrugBank, Normalizer: SystemDrugBank, Weight: 0.95, Fields: []string{"identifiers.drugbank", "identifiers.drugbank_id"}},
				{Name: SystemPubChemCID, Normalizer: SystemPubChemCID, Weight: 0.9, Fields: []string{"identifiers.pubchem", "identifiers.pubchem_cid", "identifiers.cid"}},
				{Name: SystemCAS, Normalizer: SystemCAS, Weight: 0.85, Fields: []string{"identifiers.cas", "identifiers.cas_number"}},
				nameHash,
			},
		},
		{
			Name:       "Target",
			Aliases:    []string{"protein", "gene", "target"},
			NameFields: []string{"properties.name", "properties.protein_name"},
			Systems: []SystemConfig{
				{Name: SystemUniProt, Normalizer: SystemUniProt, Weight: 1.0, Fields: []string{"identifiers.uniprot", "identifiers.uniprot_id", "identifiers.accession"}},
				{Name: SystemEnsembl, Normalizer: SystemEnsembl, Weight: 0.95, Fields: []string{"identifiers.ensembl", "identifiers.ensembl_id"}},
				{Name: SystemHGNC, Normalizer: SystemHGNC, Weight: 0.95, Fields: []string{"identifiers.hgnc", "identifiers.hgnc_id"}},
				{Name: SystemGeneSymbol, Normalizer: SystemGeneSymbol, Weight: 0.8, Fields: []string{"identifiers.gene_symbol", "identifiers.symbol", "properties.gene_symbol"}},
				nameHash,
			},
		},
		{
			Name:       "Disease",
			Aliases:    []string{"indication", "condition", "phenotype", "disease"},
			NameFields: []string{"properties.name", "properties.label"},
			Systems: []SystemConfig{
				{Name: SystemMONDO, Normalizer: SystemMONDO, Weight: 1.0, Fields: []string{"identifiers.mondo", "identifiers.mondo_id"}},
				{Name: SystemEFO, Normalizer: SystemEFO, Weight: 0.95, Fields: []string{"identifiers.efo", "identifiers.efo_id"}},
				{Name: SystemDOID, Normalizer: SystemDOID, Weight: 0.9, Fields: []string{"identifiers.doid"}},
				{Name: SystemMeSH, Normalizer: SystemMeSH, Weight: 0.9, Fields: []string{"identifiers.mesh", "identifiers.mesh_id"}},
				{Name: SystemUMLS, Normalizer: SystemUMLS, Weight: 0.85, Fields: []string{"identifiers.umls", "identifiers.umls_cui"}},
				nameHash,
			},
		},
		{
			Name:       "Trial",
			Aliases:    []string{"clinical_trial", "study", "trial"},
			NameFields: []string{"properties.title", "properties.brief_title"},
			Systems: []SystemConfig{
				{Name: SystemNCT, Normalizer: SystemNCT, Weight: 1.0, Fields: []string{"identifiers.nct", "identifiers.nct_id"}},
				{Name: SystemEUCTR, Normalizer: SystemEUCTR, Weight: 0.95, Fields: []string{"identifiers.euctr", "identifiers.eudract"}},
				{Name: SystemISRCTN, Normalizer: SystemISRCTN, Weight: 0.95, Fields: []string{"identifiers.isrctn"}},
			},
		},
		{
			Name:       "Company",
			Aliases:    []string{"organization", "sponsor", "company"},
			NameFields: []string{"properties.name", "properties.legal_name"},
			Systems: []SystemConfig{
				{Name: SystemLEI, Normalizer: SystemLEI, Weight: 1.0, Fields: []string{"identifiers.lei"}},
				{Name: SystemCIK, Normalizer: SystemCIK, Weight: 0.95, Fields: []string{"identifiers.cik", "identifiers.sec_cik"}},
				{Name: SystemTicker, Normalizer: SystemTicker, Weight: 0.8, Fields: []string{"identifiers.ticker"}},
				{Name: SystemNameHash, Normalizer: "company_name_hash", Weight: 0.6, Derived: true},
			},
		},
	}
}
