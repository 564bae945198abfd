package main

import (
	"bytes"
	"encoding/xml"
	"net/http"
	"text/template"
)

var ltiConfigTemplate = template.Must(template.New("config.xml").Funcs(template.FuncMap{
	"x": func(s string) (string, error) {
		var buf bytes.Buffer
		err := xml.EscapeText(&buf, []byte(s))
		return buf.String(), err
	},
}).Parse(`<?xml version="1.0" encoding="UTF-8"?>
<cartridge_basiclti_link xmlns="http://www.imsglobal.org/xsd/imslticc_v1p0"
    xmlns:blti="http://www.imsglobal.org/xsd/imsbasiclti_v1p0"
    xmlns:lticm="http://www.imsglobal.org/xsd/imslticm_v1p0"
    xmlns:lticp="http://www.imsglobal.org/xsd/imslticp_v1p0"
    xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
  <blti:title>{{x .Name}}</blti:title>
  <blti:description>{{x .Description}}</blti:description>
  <blti:launch_url>{{x .LaunchURL}}</blti:launch_url>
  <blti:extensions platform="edx.org">
    <lticm:property name="tool_id">{{x .ID}}</lticm:property>
    <lticm:property name="domain">{{x .Hostname}}</lticm:property>
    <lticm:property name="privacy_level">public</lticm:property>
  </blti:extensions>
</cartridge_basiclti_link>
`))

// GetConfigXML handles /v2/lti/config.xml requests,
// returning the tool configuration to give to the host.
func GetConfigXML(w http.ResponseWriter) {
	data := map[string]string{
		"Name":        Config.ToolName,
		"Description": Config.ToolDescription,
		"LaunchURL":   "https://" + Config.Hostname + "/v2/lti/launch",
		"ID":          Config.ToolID,
		"Hostname":    Config.Hostname,
	}
	var buf bytes.Buffer
	if err := ltiConfigTemplate.Execute(&buf, data); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "rendering config.xml: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write(buf.Bytes())
}
