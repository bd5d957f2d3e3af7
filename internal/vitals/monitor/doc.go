// Package monitor serves the vitals debug web interface: a live status
// endpoint, an ECharts timeline of published results, PNG plots of the
// latest spectra and movement history, and (when a store is attached) the
// recent-results digest and a tailsql browser over the database.
package monitor
