package relay

// interceptedMethods is the fixed, documented set of CDP methods the
// router answers locally instead of forwarding to the extension (spec.md
// §4.E, §9: "the intercepted-method table is the only place in the router
// that special-cases a method name"). Everything else, including
// Target.createTarget, is forwarded.
var interceptedMethods = map[string]bool{
	"Target.setAutoAttach":        true,
	"Target.getTargets":           true,
	"Target.attachToTarget":       true,
	"Target.detachFromTarget":     true,
	"Browser.getVersion":          true,
	"Browser.close":               true,
	"Browser.setDownloadBehavior": true,
}

func isIntercepted(method string) bool {
	return interceptedMethods[method]
}
