package kpi

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/utils"
	"gopkg.in/yaml.v3"
)

// Direction tags a counter as measuring incoming or outgoing traffic.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Markers stored with a result to tell which half of an "A-B" suffix it
// describes.
const (
	MarkerIn    = "I"
	MarkerOut   = "O"
	MarkerInOut = "IO"
)

var kpiNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Catalog is the process-wide, read-only formula set.
type Catalog struct {
	Formulas   []Formula            `yaml:"formulas"`
	Directions map[string]Direction `yaml:"directions"`
}

// Validate checks every formula, rejects duplicate or unsafe names and
// unknown direction values.
func (c *Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c.Formulas))
	for _, f := range c.Formulas {
		if err := f.Validate(); err != nil {
			return err
		}
		if !kpiNamePattern.MatchString(f.Name) {
			return fmt.Errorf("kpi name %q is not a valid identifier", f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("kpi %s declared twice", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	for counter, d := range c.Directions {
		if d != DirectionIn && d != DirectionOut {
			return fmt.Errorf("counter %s: direction %q must be in or out", counter, d)
		}
	}
	return nil
}

// Counters returns every counter referenced by any formula, sorted.
func (c *Catalog) Counters() []string {
	lists := make([][]string, len(c.Formulas))
	for i, f := range c.Formulas {
		lists[i] = f.Operands()
	}
	return utils.SortedUnique(lists...)
}

// DirectedCounters returns the counters carrying a direction tag, sorted.
func (c *Catalog) DirectedCounters() []string {
	names := make([]string, 0, len(c.Directions))
	for name := range c.Directions {
		names = append(names, name)
	}
	return utils.SortedUnique(names)
}

// Lookup returns the formula called name.
func (c *Catalog) Lookup(name string) (Formula, bool) {
	for _, f := range c.Formulas {
		if f.Name == name {
			return f, true
		}
	}
	return Formula{}, false
}

// Marker classifies a formula from the directions of its tagged counters:
// only outgoing gives MarkerOut, only incoming MarkerIn, both MarkerInOut,
// none the empty string. Untagged counters are neutral.
func (c *Catalog) Marker(f Formula) string {
	var in, out bool
	for _, name := range f.Operands() {
		switch c.Directions[name] {
		case DirectionIn:
			in = true
		case DirectionOut:
			out = true
		}
	}
	switch {
	case in && out:
		return MarkerInOut
	case out:
		return MarkerOut
	case in:
		return MarkerIn
	default:
		return ""
	}
}

// LoadCatalog reads a YAML catalog from path. An empty path returns the
// built-in catalog. Directions missing from the file are taken from the
// built-in table.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kpi catalog: %w", err)
	}

	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode kpi catalog %s: %w", path, err)
	}
	if c.Directions == nil {
		c.Directions = map[string]Direction{}
	}
	for counter, d := range defaultDirections {
		if _, ok := c.Directions[counter]; !ok {
			c.Directions[counter] = d
		}
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("kpi catalog %s: %w", path, err)
	}
	return &c, nil
}

// DefaultCatalog returns the 5-minute formula set.
//
// TRAF_FCS, ASR_S and Invite_Req_Succ_Ratio are not part of it: their
// expressions (a difference, a difference denominator, a complement of a
// ratio) fit none of the four shapes.
func DefaultCatalog() *Catalog {
	formulas := make([]Formula, len(defaultFormulas))
	copy(formulas, defaultFormulas)
	dirs := make(map[string]Direction, len(defaultDirections))
	for k, v := range defaultDirections {
		dirs[k] = v
	}
	return &Catalog{Formulas: formulas, Directions: dirs}
}

func ratio(name string, num, den []string) Formula {
	return Formula{Name: name, Numerator: num, Denominator: den}
}

func positional(name string, scale float64, num, den []string) Formula {
	return Formula{Name: name, Numerator: num, Denominator: den, Positional: true, Scale: scale}
}

var defaultFormulas = []Formula{
	ratio("TxPaging1", []string{"LocNLAPAG1RESUCC", "LocNLAPAG2RESUCC"}, []string{"LocNLAPAG1TOT"}),
	ratio("TxMajLa", []string{"LocNLALOCSUCC"}, []string{"LocNLALOCTOT"}),
	ratio("TxCall_OC", []string{"ChasNCHAFRMSUCC", "ChasNMSFRMSCCI"}, []string{"ChasNCHAFRMTOT", "ChasNMSFRMTOTI"}),
	ratio("TxCall_TC", []string{"ChasNCHATOMSUCC", "ChasNMSTOMSCCO"}, []string{"ChasNCHATOMTOT", "ChasNMSTOMTOTO"}),
	ratio("EffAuthen_HLR", []string{"SecNAUTFTCSUCC"}, []string{"SecNAUTFTCTOT"}),
	ratio("Eff_RABASN_In", []string{"RncNRNFRMSCCI"}, []string{"RncNRNFRMTOTI"}),
	ratio("Eff_RABASN_Out", []string{"RncNRNTOMSCCO"}, []string{"RncNRNTOMTOTO"}),
	ratio("TxHORNCOut", []string{"RncNRNTORGSUCC"}, []string{"RncNRNTRRRGTOT"}),
	ratio("TxHOBSCOut", []string{"BscNBSTOHBSUCC"}, []string{"BscNBSTRHRTOT"}),
	ratio("TxHOBSCIn", []string{"BscNBSTIHBSUCC", "BscNBSTIUGHBSUCC"}, []string{"BscNBSTSHRTOT", "BscNBSTSUGHRTOT"}),
	ratio("TxSms_MO", []string{"ShmNSMSCAOSUCC"}, []string{"ShmNSMSRDOTOT"}),
	ratio("TxSms_MT", []string{"ShmNSMSSRSUCC"}, []string{"ShmNSMSSMRLTOT"}),
	{Name: "TRAF_Erlang_S", Numerator: []string{"TrunkrouteNTRALACCO"}, Denominator: []string{"TrunkrouteNSCAN"}, Scale: 1},
	{Name: "TRAF_Erlang_E", Numerator: []string{"TrunkrouteNTRALACCI"}, Denominator: []string{"TrunkrouteNSCAN"}, Scale: 1},
	{
		Name:        "TRAF_RDT",
		Numerator:   []string{"TrunkrouteNTRALACCO", "TrunkrouteNTRALACCI"},
		Denominator: []string{"TrunkrouteNSCAN"},
		Additional:  []string{"TrunkrouteNDEV", "TrunkrouteNBLOCACC"},
	},
	positional("TRAF_CircHS", 100, []string{"TrunkrouteNBLOCACC"}, []string{"TrunkrouteNSCAN", "TrunkrouteNDEV"}),
	positional("TRAF_ALOC_E", 300, []string{"TrunkrouteNTRALACCI"}, []string{"TrunkrouteNSCAN", "TrunkrouteNANSWERSI"}),
	positional("TRAF_ALOC_S", 300, []string{"TrunkrouteNTRALACCO"}, []string{"TrunkrouteNSCAN", "TrunkrouteNANSWERSO"}),
	ratio("ASR_E", []string{"TrunkrouteNANSWERSI"}, []string{"TrunkrouteNCALLSI"}),
	ratio("RouteUtilizationIn", []string{"VoiproITRALAC"}, []string{"VoiproNTRAFIND STASIPI"}),
	ratio("RouteUtilizationOut", []string{"VoiproOTRALAC"}, []string{"VoiproNTRAFIND STASIPO"}),
	{Name: "Succ_VoIP_Seiz_Attempts", Numerator: []string{"VoiproIOVERFL"}},
	ratio("ASR_IN", []string{"VoiproIANSWER"}, []string{"VoiproNCALLSI"}),
	ratio("ASR_OUT", []string{"VoiproOANSWER"}, []string{"VoiproNCALLSO"}),
	ratio("Success_SIP_IN", []string{"SiproISUCSES"}, []string{"SiproISIPSES"}),
	ratio("Success_SIP_OUT", []string{"SiproOSUCSES"}, []string{"SiproOSIPSES"}),
	ratio("Rec_SIP_Req_Succ_Ratio", []string{"SipnodONSIPRES"}, []string{"SipnodINSIPREQ"}),
	ratio("Sent_SIP_Req_Succ_Ratio", []string{"SipnodINSIPRES"}, []string{"SipnodONSIPREQ"}),
	positional("ALOC_IN", 300, []string{"VoiproITRALAC"}, []string{"VoiproNSCAN", "VoiproIANSWER"}),
	positional("ALOC_OUT", 300, []string{"VoiproOTRALAC"}, []string{"VoiproNSCAN", "VoiproOANSWER"}),
	ratio("CSFB_MT_Eff", []string{"CsfbNSUCCCSFB"}, []string{"CsfbNSPAG1CSFB", "CsfbNSPAG2CSFB"}),
	ratio("CSFB_Call_MT", []string{"CsfbNSUCCCSFB"}, []string{"CsfbNSUCCCSFB", "CsfbNUNSUCCCSFB", "CsfbNUSREJCSFB"}),
	ratio("CSFB_Paging", []string{"CsfbNSPAG1CSFB", "CsfbNSPAG2CSFB"}, []string{"CsfbNTPAG1CSFB"}),
	ratio("SGS_UpdateLocation", []string{"SgsNSLOCREGSGS"}, []string{"SgsNTLOCREGSGS"}),
	ratio("SGS_SMS_MO", []string{"SgsNSMOSMS"}, []string{"SgsNTMOSMS"}),
	ratio("SGS_SMS_MT", []string{"SgsNSMTSMS"}, []string{"SgsNTMTSMS"}),
	ratio("SGSLA_Attach_Reg", []string{"SgslaNSLAATREGSGS"}, []string{"SgslaNTLAATREGSGS"}),
	ratio("SGSLA_Attach_NonReg", []string{"SgslaNSLAATNREGSGS"}, []string{"SgslaNTLAATNREGSGS"}),
	ratio("SGSLA_LocUpdate_Reg", []string{"SgslaNSLANLREGSGS"}, []string{"SgslaNTLANLREGSGS"}),
	ratio("SGSLA_LocUpdate_NonReg", []string{"SgslaNSLANLNREGSGS"}, []string{"SgslaNTLANLNREGSGS"}),
}

// Route and SIP counters measured per "A-B" leg pair.
var defaultDirections = map[string]Direction{
	"TrunkrouteNTRALACCO":    DirectionOut,
	"TrunkrouteNTRALACCI":    DirectionIn,
	"TrunkrouteNANSWERSO":    DirectionOut,
	"TrunkrouteNANSWERSI":    DirectionIn,
	"TrunkrouteNCALLSO":      DirectionOut,
	"TrunkrouteNCALLSI":      DirectionIn,
	"VoiproITRALAC":          DirectionIn,
	"VoiproOTRALAC":          DirectionOut,
	"VoiproNTRAFIND STASIPI": DirectionIn,
	"VoiproNTRAFIND STASIPO": DirectionOut,
	"VoiproIOVERFL":          DirectionIn,
	"VoiproIANSWER":          DirectionIn,
	"VoiproOANSWER":          DirectionOut,
	"VoiproNCALLSI":          DirectionIn,
	"VoiproNCALLSO":          DirectionOut,
	"SiproISUCSES":           DirectionIn,
	"SiproISIPSES":           DirectionIn,
	"SiproOSUCSES":           DirectionOut,
	"SiproOSIPSES":           DirectionOut,
	"SipnodINSIPREQ":         DirectionIn,
	"SipnodINSIPRES":         DirectionIn,
	"SipnodONSIPREQ":         DirectionOut,
	"SipnodONSIPRES":         DirectionOut,
}
