package oaipmh

// oaiError ist das <error>-Element einer OAI-PMH-Antwort.
type oaiError struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

// record entspricht einem <record> aus GetRecord oder ListRecords.
type record struct {
	Header struct {
		Status     string   `xml:"status,attr"`
		Identifier string   `xml:"identifier"`
		Datestamp  string   `xml:"datestamp"`
		SetSpec    []string `xml:"setSpec"`
	} `xml:"header"`
	Metadata struct {
		DC dublinCore `xml:"dc"`
	} `xml:"metadata"`
}

// dublinCore enthält die oai_dc-Felder, die für einen Work-Entwurf gebraucht werden.
type dublinCore struct {
	Title       []string `xml:"title"`
	Creator     []string `xml:"creator"`
	Subject     []string `xml:"subject"`
	Description []string `xml:"description"`
	Publisher   []string `xml:"publisher"`
	Date        []string `xml:"date"`
	Type        []string `xml:"type"`
	Identifier  []string `xml:"identifier"`
	Source      []string `xml:"source"`
	Coverage    []string `xml:"coverage"`
}
