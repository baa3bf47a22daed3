package policy

import (
	"testing"

	"github.com/aws-greengrass/client-device-auth/test"
)

// mapView is a DeviceView over a fixed attribute table.
type mapView map[string]string

func (v mapView) Attribute(namespace, name string) (string, bool) {
	value, ok := v[namespace+"."+name]
	return value, ok
}

func thingView(name string) mapView {
	return mapView{"Thing.ThingName": name}
}

func TestParseThingLiteral(t *testing.T) {
	expr, err := ParseSelectionRule(`thingName: "alpha"`)
	test.AssertNotError(t, err, "parse failed")
	test.Assert(t, expr.Evaluate(thingView("alpha")), "alpha should match")
	test.Assert(t, !expr.Evaluate(thingView("beta")), "beta should not match")
	test.Assert(t, !expr.Evaluate(mapView{}), "no thing attribute should not match")
}

func TestParseWildcardSuffix(t *testing.T) {
	expr, err := ParseSelectionRule(`thingName: "sensor-*"`)
	test.AssertNotError(t, err, "parse failed")
	test.Assert(t, expr.Evaluate(thingView("sensor-12")), "prefix should match")
	test.Assert(t, expr.Evaluate(thingView("sensor-")), "bare prefix should match")
	test.Assert(t, !expr.Evaluate(thingView("actuator-12")), "other prefix should not match")
}

func TestParseBooleanOperators(t *testing.T) {
	expr, err := ParseSelectionRule(`thingName: "alpha" OR thingName: "beta"`)
	test.AssertNotError(t, err, "parse failed")
	test.Assert(t, expr.Evaluate(thingView("alpha")), "alpha should match")
	test.Assert(t, expr.Evaluate(thingView("beta")), "beta should match")
	test.Assert(t, !expr.Evaluate(thingView("gamma")), "gamma should not match")

	// A device has a single thing name, so AND over two different
	// literals is unsatisfiable while AND over the same literal holds.
	expr, err = ParseSelectionRule(`thingName: "alpha" AND thingName: "alpha*"`)
	test.AssertNotError(t, err, "parse failed")
	test.Assert(t, expr.Evaluate(thingView("alpha")), "both conjuncts hold")

	expr, err = ParseSelectionRule(`thingName: "alpha" AND thingName: "beta"`)
	test.AssertNotError(t, err, "parse failed")
	test.Assert(t, !expr.Evaluate(thingView("alpha")), "conjunction should fail")
}

func TestParseParensAndPrecedence(t *testing.T) {
	// AND binds tighter than OR.
	expr, err := ParseSelectionRule(`thingName: "a" OR thingName: "b" AND thingName: "c"`)
	test.AssertNotError(t, err, "parse failed")
	test.Assert(t, expr.Evaluate(thingView("a")), "left OR arm should match")
	test.Assert(t, !expr.Evaluate(thingView("b")), "b alone fails the AND arm")

	expr, err = ParseSelectionRule(`(thingName: "a" OR thingName: "b") AND thingName: "b*"`)
	test.AssertNotError(t, err, "parse failed")
	test.Assert(t, expr.Evaluate(thingView("b")), "grouped OR then AND should match b")
	test.Assert(t, !expr.Evaluate(thingView("a")), "a fails the second conjunct")
}

func TestParseErrors(t *testing.T) {
	for _, rule := range []string{
		``,
		`thingName:`,
		`thingName "alpha"`,
		`thingName: alpha`,
		`thingName: "alpha`,
		`thingName: "a" AND`,
		`(thingName: "a"`,
		`thingName: "a") junk`,
		`serialNumber: "123"`,
		`thingName: "a" ? thingName: "b"`,
	} {
		_, err := ParseSelectionRule(rule)
		test.AssertError(t, err, "rule should not parse: "+rule)
	}
}
